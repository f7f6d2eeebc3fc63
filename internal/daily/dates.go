package daily

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"geodaily/internal/configstore"
)

var ErrBadDate = errors.New("unrecognized date")

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseDate turns user input into a YYYY-MM-DD key in loc. Accepted forms are
// "today" (also empty), "yesterday", an ISO date, and natural phrases such as
// "last friday" or "3 days ago".
func ParseDate(input string, now time.Time, loc *time.Location) (string, error) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	s := strings.ToLower(strings.TrimSpace(input))
	switch s {
	case "", "today":
		return now.Format(configstore.DateLayout), nil
	case "yesterday":
		return now.AddDate(0, 0, -1).Format(configstore.DateLayout), nil
	}
	if t, err := time.ParseInLocation(configstore.DateLayout, s, loc); err == nil {
		return t.Format(configstore.DateLayout), nil
	}

	r, err := dateParser.Parse(s, now)
	if err != nil || r == nil {
		return "", fmt.Errorf("%w: %q", ErrBadDate, input)
	}
	return r.Time.In(loc).Format(configstore.DateLayout), nil
}

// LoadLocation resolves a timezone name; empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
