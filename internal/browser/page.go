package browser

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/example/stayrace/internal/domain/booking"
)

// Markers are phrases looked for in page text, ignoring case.
type Markers struct {
	Unavailable  []string `mapstructure:"unavailable"`
	Scarce       []string `mapstructure:"scarce"`
	Confirmed    []string `mapstructure:"confirmed"`
	Rejected     []string `mapstructure:"rejected"`
	Challenge    []string `mapstructure:"challenge"`    // captcha or bot wall
	Confirmation string   `mapstructure:"confirmation"` // regexp; first group is the confirmation code
}

func DefaultMarkers() Markers {
	return Markers{
		Unavailable:  []string{"нет свободных", "недоступно", "занято", "not available", "no availability", "sold out", "already booked"},
		Scarce:       []string{"осталось", "last one", "only 1 left", "high demand", "часто бронируют"},
		Confirmed:    []string{"бронирование подтверждено", "заявка отправлена", "booking confirmed", "reservation confirmed"},
		Rejected:     []string{"бронирование отклонено", "заявка отклонена", "в бронировании отказано", "booking declined", "request rejected"},
		Challenge:    []string{"captcha", "я не робот", "verify you are human"},
		Confirmation: `(?i)(?:номер брони|номер заявки|confirmation(?: code| number)?)[^0-9A-Za-z]{0,5}([0-9A-Za-z-]{4,})`,
	}
}

// Analysis is what markers say about a page.
type Analysis struct {
	Unavailable bool
	Scarce      bool
	Confirmed   bool
	Rejected    bool
	Challenge   bool
	Code        string
}

// Analyze classifies page text. Rejection wins over confirmation.
func (m Markers) Analyze(text string) Analysis {
	lower := strings.ToLower(text)
	a := Analysis{
		Unavailable: containsAny(lower, m.Unavailable),
		Scarce:      containsAny(lower, m.Scarce),
		Confirmed:   containsAny(lower, m.Confirmed),
		Rejected:    containsAny(lower, m.Rejected),
		Challenge:   containsAny(lower, m.Challenge),
	}
	if a.Rejected {
		a.Confirmed = false
	}
	if a.Confirmed && m.Confirmation != "" {
		if re, err := regexp.Compile(m.Confirmation); err == nil {
			if sub := re.FindStringSubmatch(text); len(sub) > 1 {
				a.Code = sub[1]
			}
		}
	}
	return a
}

// Signal maps a post-submit analysis onto a reservation signal.
func (a Analysis) Signal() booking.Signal {
	switch {
	case a.Rejected:
		return booking.SignalRejected
	case a.Confirmed:
		return booking.SignalConfirmed
	case a.Unavailable:
		return booking.SignalUnavailable
	}
	return booking.SignalUnknown
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

var priceRe = regexp.MustCompile(`\d[\d\s\x{00a0}\x{202f},]*(?:\.\d{1,2})?`)

// ParsePrice extracts the first number from text like "4 200 ₽" or "$1,250.50".
func ParsePrice(text string) (float64, bool) {
	m := priceRe.FindString(text)
	if m == "" {
		return 0, false
	}
	m = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '\u00a0' || r == '\u202f' {
			return -1
		}
		return r
	}, m)
	m = strings.TrimRight(m, ",")
	// "1,250.50" keeps the dot; "4200,50" has a decimal comma.
	if strings.Contains(m, ".") {
		m = strings.ReplaceAll(m, ",", "")
	} else if i := strings.LastIndex(m, ","); i >= 0 && len(m)-i-1 <= 2 {
		m = strings.ReplaceAll(m[:i], ",", "") + "." + m[i+1:]
	} else {
		m = strings.ReplaceAll(m, ",", "")
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// SearchURL builds the listing search URL for req.
func SearchURL(base, path string, req booking.Request) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return "", fmt.Errorf("search url: %w", err)
	}
	q := u.Query()
	if req.City != "" {
		q.Set("term", req.City)
	}
	q.Set("occupied", req.CheckIn.Format("2006-01-02")+";"+req.CheckOut.Format("2006-01-02"))
	q.Set("guests_adults", strconv.Itoa(req.Guests))
	if req.MinPrice > 0 {
		q.Set("price_min", strconv.FormatFloat(req.MinPrice, 'f', -1, 64))
	}
	if req.MaxPrice > 0 {
		q.Set("price_max", strconv.FormatFloat(req.MaxPrice, 'f', -1, 64))
	}
	c := req.Criteria
	if t := strings.TrimSpace(c.ApartmentType); t != "" {
		q.Set("type", t)
	}
	if d := strings.TrimSpace(c.District); d != "" {
		q.Set("district", d)
	}
	for _, a := range c.Amenities {
		if a = strings.TrimSpace(a); a != "" {
			q.Add("amenities", a)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// excerpt collapses whitespace and trims to n runes.
func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}
