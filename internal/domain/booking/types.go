package booking

import (
	"fmt"
	"strings"
	"time"
)

// GuestDetails identifies the person the reservation is made for.
type GuestDetails struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	MiddleName string `json:"middle_name,omitempty"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
}

// Criteria narrows discovery beyond city, dates and price.
type Criteria struct {
	ApartmentType string   `json:"apartment_type,omitempty"`
	District      string   `json:"district,omitempty"`
	Amenities     []string `json:"amenities,omitempty"`
}

// Request is an accepted booking request. It is immutable once the
// orchestrator has accepted it.
type Request struct {
	ID            string
	CorrelationID string

	City     string
	CheckIn  time.Time
	CheckOut time.Time
	Guests   int

	// Per-night price band; zero means unbounded.
	MinPrice float64
	MaxPrice float64

	Criteria Criteria
	Guest    GuestDetails

	Deadline  time.Time
	NotBefore time.Time

	// Explicit listings to watch. Discovery is skipped when set.
	Candidates []ListingRef
}

const (
	MinGuests = 1
	MaxGuests = 10
)

// Validate reports the first problem with the request as of now.
func (r Request) Validate(now time.Time) error {
	if strings.TrimSpace(r.City) == "" && len(r.Candidates) == 0 {
		return fmt.Errorf("city or candidates required")
	}
	if r.CheckIn.IsZero() || r.CheckOut.IsZero() {
		return fmt.Errorf("check_in and check_out required")
	}
	if !r.CheckOut.After(r.CheckIn) {
		return fmt.Errorf("check_out must be after check_in")
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if r.CheckIn.Before(today) {
		return fmt.Errorf("check_in must not be in the past")
	}
	if r.Guests < MinGuests || r.Guests > MaxGuests {
		return fmt.Errorf("guests must be between %d and %d", MinGuests, MaxGuests)
	}
	if r.MinPrice < 0 || r.MaxPrice < 0 {
		return fmt.Errorf("prices must not be negative")
	}
	if r.MinPrice > 0 && r.MaxPrice > 0 && r.MaxPrice <= r.MinPrice {
		return fmt.Errorf("max_price must be greater than min_price")
	}
	g := r.Guest
	if strings.TrimSpace(g.FirstName) == "" || strings.TrimSpace(g.LastName) == "" {
		return fmt.Errorf("guest first and last name required")
	}
	if strings.TrimSpace(g.Phone) == "" {
		return fmt.Errorf("guest phone required")
	}
	if !strings.Contains(g.Email, "@") {
		return fmt.Errorf("guest email invalid")
	}
	for _, c := range r.Candidates {
		if c.ID == "" || c.URL == "" {
			return fmt.Errorf("candidate listings need id and url")
		}
	}
	return nil
}

// Nights is the length of stay.
func (r Request) Nights() int {
	return int(r.CheckOut.Sub(r.CheckIn).Hours() / 24)
}

// ListingRef is a stable pointer to one bookable listing on the site.
type ListingRef struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Listing is the task-owned view of a listing over time.
type Listing struct {
	Ref          ListingRef
	LastPrice    float64
	Available    bool
	LastPolledAt time.Time
}

// Candidate is a search hit before ranking.
type Candidate struct {
	Ref              ListingRef
	Price            float64
	TotalPrice       float64
	Rating           float64
	Address          string
	FreeCancellation bool
}

// PageState is a point-in-time snapshot of a listing page.
type PageState struct {
	Ref        ListingRef
	URL        string
	Title      string
	Available  bool
	Scarce     bool
	Price      float64
	Currency   string
	Excerpt    string
	ObservedAt time.Time
}

// Summary is the short text used to index and look up similar outcomes.
func (s PageState) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "listing %s", s.Ref.ID)
	if s.Title != "" {
		fmt.Fprintf(&b, " %s", s.Title)
	}
	if s.Available {
		b.WriteString(" available")
	} else {
		b.WriteString(" unavailable")
	}
	if s.Scarce {
		b.WriteString(" scarce")
	}
	if s.Price > 0 {
		fmt.Fprintf(&b, " price %.0f", s.Price)
	}
	return b.String()
}

// Signal is what a reservation attempt observed on the page afterwards.
type Signal string

const (
	SignalConfirmed   Signal = "confirmed"
	SignalUnavailable Signal = "unavailable"
	SignalRejected    Signal = "rejected"
	SignalError       Signal = "error"
	SignalUnknown     Signal = "unknown"
)

type ActionResult struct {
	Signal           Signal
	ConfirmationCode string
	Message          string
	State            PageState
}

type Action string

const (
	ActionWait    Action = "WAIT"
	ActionAttempt Action = "ATTEMPT"
	ActionAbandon Action = "ABANDON"
)

// ParseAction accepts any casing; the second result is false for unknown values.
func ParseAction(s string) (Action, bool) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionWait:
		return ActionWait, true
	case ActionAttempt:
		return ActionAttempt, true
	case ActionAbandon:
		return ActionAbandon, true
	}
	return "", false
}

// Recommendation is advisory output of the decision step.
type Recommendation struct {
	Action     Action
	Confidence float64
	Reason     string
}

type Outcome string

const (
	OutcomeConfirmed        Outcome = "CONFIRMED"
	OutcomeLostRace         Outcome = "LOST_RACE"
	OutcomeTransientFailure Outcome = "TRANSIENT_FAILURE"
	OutcomeTerminalFailure  Outcome = "TERMINAL_FAILURE"
	OutcomeAbandoned        Outcome = "ABANDONED"
)

// AttemptTrace records one classified outcome. Traces are values and are
// never mutated after creation.
type AttemptTrace struct {
	ID        string
	RequestID string
	ListingID string
	Summary   string
	Action    Action
	Outcome   Outcome
	Detail    string
	Attempt   int
	At        time.Time
}
