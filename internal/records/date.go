package records

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// DateLayout is the stored class date format.
const DateLayout = "2006-01-02"

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseDate turns a class date typed by the user into DateLayout. It accepts
// 2006-01-02, 02/01/2006 and relative expressions such as "today",
// "yesterday" or "last friday", resolved against now.
func ParseDate(input string, now time.Time) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return now.Format(DateLayout), nil
	}
	for _, layout := range []string{DateLayout, "02/01/2006", "2/1/2006"} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t.Format(DateLayout), nil
		}
	}

	r, err := dateParser.Parse(s, now)
	if err != nil {
		return "", fmt.Errorf("failed to parse date %q: %w", input, err)
	}
	if r == nil {
		return "", fmt.Errorf("unrecognized date %q", input)
	}
	return r.Time.Format(DateLayout), nil
}
