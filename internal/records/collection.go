package records

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/autoescola/diario/internal/cloudstore"
)

// ErrRecordNotFound is returned when no record has the requested ID.
var ErrRecordNotFound = errors.New("record not found")

// Record is implemented by every type stored in a Collection.
type Record interface {
	RecordID() string
	Validate() error
}

// Collection is a synchronized list of records stored under one logical key.
type Collection[R Record] struct {
	h *cloudstore.Handle[[]R]
}

// OpenCollection opens the list stored under key. Close it when done.
func OpenCollection[R Record](e *cloudstore.Engine, key string) *Collection[R] {
	return &Collection[R]{h: cloudstore.Open(e, key, []R{})}
}

// OpenStudents opens the students list.
func OpenStudents(e *cloudstore.Engine) *Collection[Student] {
	return OpenCollection[Student](e, KeyStudents)
}

// OpenLessons opens the lessons list.
func OpenLessons(e *cloudstore.Engine) *Collection[Lesson] {
	return OpenCollection[Lesson](e, KeyLessons)
}

// OpenClasses opens the classes list.
func OpenClasses(e *cloudstore.Engine) *Collection[Class] {
	return OpenCollection[Class](e, KeyClasses)
}

// Handle exposes the underlying handle for status and subscriptions.
func (c *Collection[R]) Handle() *cloudstore.Handle[[]R] {
	return c.h
}

// Close releases the handle.
func (c *Collection[R]) Close() {
	c.h.Close()
}

// List returns the records in stored order.
func (c *Collection[R]) List() []R {
	return append([]R(nil), c.h.Value()...)
}

// Find returns the record with id.
func (c *Collection[R]) Find(id string) (R, bool) {
	for _, r := range c.h.Value() {
		if r.RecordID() == id {
			return r, true
		}
	}
	var zero R
	return zero, false
}

// Search returns the records whose ID starts with prefix, or, failing that,
// whose text form contains query case-insensitively. match supplies the
// text form.
func (c *Collection[R]) Search(query string, match func(R) string) []R {
	var out []R
	q := strings.ToLower(query)
	for _, r := range c.h.Value() {
		if strings.HasPrefix(r.RecordID(), query) || strings.Contains(strings.ToLower(match(r)), q) {
			out = append(out, r)
		}
	}
	return out
}

// Put inserts r, or replaces the record with the same ID in place.
func (c *Collection[R]) Put(ctx context.Context, r R) (*cloudstore.WriteTask, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	return c.h.Update(ctx, func(cur []R) []R {
		next := make([]R, 0, len(cur)+1)
		replaced := false
		for _, existing := range cur {
			if existing.RecordID() == r.RecordID() {
				next = append(next, r)
				replaced = true
				continue
			}
			next = append(next, existing)
		}
		if !replaced {
			next = append(next, r)
		}
		return next
	})
}

// Remove deletes the record with id.
func (c *Collection[R]) Remove(ctx context.Context, id string) (*cloudstore.WriteTask, error) {
	if _, ok := c.Find(id); !ok {
		return nil, fmt.Errorf("%s %s: %w", c.h.Key(), id, ErrRecordNotFound)
	}
	return c.h.Update(ctx, func(cur []R) []R {
		next := make([]R, 0, len(cur))
		for _, existing := range cur {
			if existing.RecordID() != id {
				next = append(next, existing)
			}
		}
		return next
	})
}
