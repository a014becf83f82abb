package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/stayrace/internal/domain/booking"
)

// requestFlags are the booking request fields shared by book and request schedule.
type requestFlags struct {
	id            string
	correlationID string
	city          string
	checkIn       string
	checkOut      string
	guests        int
	minPrice      float64
	maxPrice      float64
	apartmentType string
	district      string
	amenities     []string
	listings      []string
	firstName     string
	middleName    string
	lastName      string
	phone         string
	email         string
	timeout       time.Duration
}

func (f *requestFlags) bind(c *cobra.Command) {
	fl := c.Flags()
	fl.StringVar(&f.id, "id", "", "request id (generated when empty)")
	fl.StringVar(&f.correlationID, "correlation-id", "", "caller correlation id")
	fl.StringVar(&f.city, "city", "", "city to search")
	fl.StringVar(&f.checkIn, "check-in", "", "check-in date YYYY-MM-DD")
	fl.StringVar(&f.checkOut, "check-out", "", "check-out date YYYY-MM-DD")
	fl.IntVar(&f.guests, "guests", 2, "number of guests")
	fl.Float64Var(&f.minPrice, "min-price", 0, "minimum price per night")
	fl.Float64Var(&f.maxPrice, "max-price", 0, "maximum price per night")
	fl.StringVar(&f.apartmentType, "apartment-type", "", "apartment type filter")
	fl.StringVar(&f.district, "district", "", "district filter")
	fl.StringSliceVar(&f.amenities, "amenity", nil, "required amenity (repeatable)")
	fl.StringArrayVar(&f.listings, "listing", nil, "watch this listing instead of searching: id=url (repeatable)")
	fl.StringVar(&f.firstName, "first-name", "", "guest first name")
	fl.StringVar(&f.middleName, "middle-name", "", "guest middle name")
	fl.StringVar(&f.lastName, "last-name", "", "guest last name")
	fl.StringVar(&f.phone, "phone", "", "guest phone")
	fl.StringVar(&f.email, "email", "", "guest email")
	fl.DurationVar(&f.timeout, "timeout", 0, "give up after this long (default from config)")

	_ = c.MarkFlagRequired("check-in")
	_ = c.MarkFlagRequired("check-out")
	_ = c.MarkFlagRequired("first-name")
	_ = c.MarkFlagRequired("last-name")
	_ = c.MarkFlagRequired("phone")
	_ = c.MarkFlagRequired("email")
}

// build returns the request; deadline is left zero when no timeout is set.
func (f *requestFlags) build(now, notBefore time.Time) (booking.Request, error) {
	req := booking.Request{
		ID:            f.id,
		CorrelationID: f.correlationID,
		City:          strings.TrimSpace(f.city),
		Guests:        f.guests,
		MinPrice:      f.minPrice,
		MaxPrice:      f.maxPrice,
		Criteria: booking.Criteria{
			ApartmentType: f.apartmentType,
			District:      f.district,
			Amenities:     f.amenities,
		},
		Guest: booking.GuestDetails{
			FirstName:  f.firstName,
			MiddleName: f.middleName,
			LastName:   f.lastName,
			Phone:      f.phone,
			Email:      f.email,
		},
		NotBefore: notBefore,
	}
	var err error
	if req.CheckIn, err = time.Parse(time.DateOnly, f.checkIn); err != nil {
		return req, fmt.Errorf("invalid --check-in (want YYYY-MM-DD)")
	}
	if req.CheckOut, err = time.Parse(time.DateOnly, f.checkOut); err != nil {
		return req, fmt.Errorf("invalid --check-out (want YYYY-MM-DD)")
	}
	for _, l := range f.listings {
		id, url, ok := strings.Cut(l, "=")
		if !ok || id == "" || url == "" {
			return req, fmt.Errorf("invalid --listing %q (want id=url)", l)
		}
		req.Candidates = append(req.Candidates, booking.ListingRef{ID: id, URL: url})
	}
	req.Candidates = booking.Dedupe(req.Candidates)
	if f.timeout > 0 {
		start := now
		if notBefore.After(now) {
			start = notBefore
		}
		req.Deadline = start.Add(f.timeout)
	}
	return req, req.Validate(now)
}
