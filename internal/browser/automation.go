package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/example/stayrace/internal/domain/booking"
	"github.com/example/stayrace/internal/session"
)

// Selectors are CSS selectors for the booking site's pages.
type Selectors struct {
	ResultCard   string `json:"card" mapstructure:"result_card"`
	ResultLink   string `json:"link" mapstructure:"result_link"`
	ResultTitle  string `json:"title" mapstructure:"result_title"`
	ResultPrice  string `json:"price" mapstructure:"result_price"`
	ResultTotal  string `json:"total" mapstructure:"result_total"`
	ResultRating string `json:"rating" mapstructure:"result_rating"`
	ResultAddr   string `json:"address" mapstructure:"result_address"`
	ResultCancel string `json:"cancel" mapstructure:"result_cancel"`

	Title      string `json:"-" mapstructure:"title"`
	Price      string `json:"-" mapstructure:"price"`
	BookButton string `json:"-" mapstructure:"book_button"`
	FirstName  string `json:"-" mapstructure:"first_name"`
	LastName   string `json:"-" mapstructure:"last_name"`
	MiddleName string `json:"-" mapstructure:"middle_name"`
	Phone      string `json:"-" mapstructure:"phone"`
	Email      string `json:"-" mapstructure:"email"`
	Submit     string `json:"-" mapstructure:"submit"`
}

func DefaultSelectors() Selectors {
	return Selectors{
		ResultCard:   "[data-listing-id]",
		ResultLink:   "a[href]",
		ResultTitle:  ".card__title",
		ResultPrice:  ".card__price",
		ResultTotal:  ".card__total",
		ResultRating: ".card__rating",
		ResultAddr:   ".card__address",
		ResultCancel: ".card__free-cancel",

		Title:      "h1",
		Price:      "[data-price], .object-price",
		BookButton: "[data-action=book], button.book",
		FirstName:  "input[name=first_name]",
		LastName:   "input[name=last_name]",
		MiddleName: "input[name=middle_name]",
		Phone:      "input[name=phone]",
		Email:      "input[name=email]",
		Submit:     "[type=submit]",
	}
}

type Config struct {
	BaseURL    string
	SearchPath string
	Timeout    time.Duration // per browser call
	SettleWait time.Duration // pause after submit before reading the result
	Selectors  Selectors
	Markers    Markers
}

// Automation implements the site driver on tabs opened by Factory.
type Automation struct {
	cfg Config
	log *zap.Logger
}

func NewAutomation(cfg Config, log *zap.Logger) *Automation {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.SettleWait <= 0 {
		cfg.SettleWait = 3 * time.Second
	}
	if cfg.Selectors == (Selectors{}) {
		cfg.Selectors = DefaultSelectors()
	}
	if len(cfg.Markers.Unavailable) == 0 && len(cfg.Markers.Confirmed) == 0 {
		cfg.Markers = DefaultMarkers()
	}
	return &Automation{cfg: cfg, log: log.Named("automation")}
}

type searchHit struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Price   string `json:"price"`
	Total   string `json:"total"`
	Rating  string `json:"rating"`
	Address string `json:"address"`
	Cancel  bool   `json:"cancel"`
}

const searchScript = `(function(sel){
  const pick = (root, q) => { const el = q ? root.querySelector(q) : null; return el ? el.textContent.trim() : ""; };
  return Array.from(document.querySelectorAll(sel.card)).map(card => {
    const link = card.querySelector(sel.link);
    return {
      id: card.getAttribute("data-listing-id") || "",
      url: link ? link.href : "",
      title: pick(card, sel.title),
      price: pick(card, sel.price),
      total: pick(card, sel.total),
      rating: pick(card, sel.rating),
      address: pick(card, sel.address),
      cancel: sel.cancel ? card.querySelector(sel.cancel) !== null : false,
    };
  });
})(%s)`

// Search loads the results page for req and returns every parsed card.
func (a *Automation) Search(ctx context.Context, conn session.Conn, req booking.Request) ([]booking.Candidate, error) {
	tab, err := asTab(conn)
	if err != nil {
		return nil, err
	}
	target, err := SearchURL(a.cfg.BaseURL, a.cfg.SearchPath, req)
	if err != nil {
		return nil, booking.Structural("search", "bad search url", err)
	}
	sel, err := json.Marshal(a.cfg.Selectors)
	if err != nil {
		return nil, err
	}

	var hits []searchHit
	var text string
	err = tab.run(ctx, a.cfg.Timeout,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(searchScript, sel), &hits),
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text),
	)
	if err != nil {
		return nil, a.wrap(ctx, "search", err)
	}
	if a.cfg.Markers.Analyze(text).Challenge {
		return nil, booking.Structural("search", "bot challenge", nil)
	}

	out := make([]booking.Candidate, 0, len(hits))
	for _, h := range hits {
		if h.URL == "" {
			continue
		}
		id := h.ID
		if id == "" {
			id = h.URL
		}
		c := booking.Candidate{
			Ref:              booking.ListingRef{ID: id, URL: h.URL, Title: h.Title},
			Address:          h.Address,
			FreeCancellation: h.Cancel,
		}
		c.Price, _ = ParsePrice(h.Price)
		c.TotalPrice, _ = ParsePrice(h.Total)
		c.Rating, _ = ParsePrice(h.Rating)
		out = append(out, c)
	}
	a.log.Debug("search done", zap.String("url", target), zap.Int("cards", len(hits)), zap.Int("candidates", len(out)))
	return out, nil
}

// ExtractState loads the listing page and reads availability and price.
func (a *Automation) ExtractState(ctx context.Context, conn session.Conn, ref booking.ListingRef) (booking.PageState, error) {
	tab, err := asTab(conn)
	if err != nil {
		return booking.PageState{}, err
	}
	var text, title, price string
	err = tab.run(ctx, a.cfg.Timeout,
		chromedp.Navigate(ref.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text),
		chromedp.Evaluate(textOf(a.cfg.Selectors.Title), &title),
		chromedp.Evaluate(textOf(a.cfg.Selectors.Price), &price),
	)
	if err != nil {
		return booking.PageState{}, a.wrap(ctx, "extract", err)
	}
	return a.state(ref, text, title, price)
}

func (a *Automation) state(ref booking.ListingRef, text, title, price string) (booking.PageState, error) {
	an := a.cfg.Markers.Analyze(text)
	if an.Challenge {
		return booking.PageState{}, booking.Structural("extract", "bot challenge", nil)
	}
	if strings.TrimSpace(text) == "" {
		return booking.PageState{}, booking.Transient("extract", errors.New("empty page"))
	}
	st := booking.PageState{
		Ref:        ref,
		URL:        ref.URL,
		Title:      strings.TrimSpace(title),
		Available:  !an.Unavailable,
		Scarce:     an.Scarce,
		Excerpt:    excerpt(text, 280),
		ObservedAt: time.Now(),
	}
	if st.Title == "" {
		st.Title = ref.Title
	}
	if p, ok := ParsePrice(price); ok {
		st.Price = p
	}
	return st, nil
}

// PerformReservation opens the booking form, fills guest details and submits.
// A missing book button or form field is a layout fault.
func (a *Automation) PerformReservation(ctx context.Context, conn session.Conn, req booking.Request, ref booking.ListingRef) (booking.ActionResult, error) {
	tab, err := asTab(conn)
	if err != nil {
		return booking.ActionResult{}, err
	}
	s := a.cfg.Selectors

	var hasButton bool
	err = tab.run(ctx, a.cfg.Timeout,
		chromedp.Navigate(ref.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(exists(s.BookButton), &hasButton),
	)
	if err != nil {
		return booking.ActionResult{}, a.wrap(ctx, "reserve", err)
	}
	if !hasButton {
		return booking.ActionResult{}, booking.Structural("reserve", "book button missing", nil)
	}

	var hasForm bool
	err = tab.run(ctx, a.cfg.Timeout,
		chromedp.Click(s.BookButton, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.WaitVisible(s.FirstName, chromedp.ByQuery),
		chromedp.Evaluate(exists(s.LastName)+" && "+exists(s.Phone)+" && "+exists(s.Email), &hasForm),
	)
	if err != nil {
		return booking.ActionResult{}, a.wrap(ctx, "reserve", err)
	}
	if !hasForm {
		return booking.ActionResult{}, booking.Structural("reserve", "guest form incomplete", nil)
	}

	g := req.Guest
	fill := []chromedp.Action{
		chromedp.SendKeys(s.FirstName, g.FirstName, chromedp.ByQuery),
		chromedp.SendKeys(s.LastName, g.LastName, chromedp.ByQuery),
	}
	if g.MiddleName != "" && s.MiddleName != "" {
		fill = append(fill, chromedp.ActionFunc(func(ctx context.Context) error {
			// optional field; ignore pages without it
			var ok bool
			if err := chromedp.Evaluate(exists(s.MiddleName), &ok).Do(ctx); err != nil || !ok {
				return err
			}
			return chromedp.SendKeys(s.MiddleName, g.MiddleName, chromedp.ByQuery).Do(ctx)
		}))
	}
	fill = append(fill,
		chromedp.SendKeys(s.Phone, g.Phone, chromedp.ByQuery),
		chromedp.SendKeys(s.Email, g.Email, chromedp.ByQuery),
		chromedp.Click(s.Submit, chromedp.ByQuery),
		chromedp.Sleep(a.cfg.SettleWait),
	)

	var text, html string
	fill = append(fill,
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}),
	)
	if err := tab.run(ctx, a.cfg.Timeout, fill...); err != nil {
		return booking.ActionResult{}, a.wrap(ctx, "reserve", err)
	}

	an := a.cfg.Markers.Analyze(text)
	if an.Challenge {
		return booking.ActionResult{}, booking.Structural("reserve", "bot challenge", nil)
	}
	res := booking.ActionResult{
		Signal:           an.Signal(),
		ConfirmationCode: an.Code,
		Message:          excerpt(text, 200),
	}
	res.State, _ = a.state(ref, text, "", "")
	a.log.Info("reservation submitted",
		zap.String("request_id", req.ID),
		zap.String("listing_id", ref.ID),
		zap.String("signal", string(res.Signal)),
		zap.Int("html_bytes", len(html)))
	if res.Signal == booking.SignalUnknown {
		a.log.Debug("unrecognised post-submit page", zap.String("listing_id", ref.ID), zap.String("html", excerpt(html, 2000)))
	}
	return res, nil
}

// wrap classifies a chromedp failure. Timeouts and navigation errors are
// transient; the caller's cancellation passes through.
func (a *Automation) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, chromedp.ErrInvalidContext) || errors.Is(err, chromedp.ErrChannelClosed) {
		return booking.Structural(op, "browser gone", err)
	}
	return booking.Transient(op, err)
}

func textOf(selector string) string {
	if selector == "" {
		return `""`
	}
	q, _ := json.Marshal(selector)
	return fmt.Sprintf(`(function(){const el=document.querySelector(%s);return el?el.textContent.trim():"";})()`, q)
}

func exists(selector string) string {
	if selector == "" {
		return "false"
	}
	q, _ := json.Marshal(selector)
	return fmt.Sprintf(`(document.querySelector(%s) !== null)`, q)
}
