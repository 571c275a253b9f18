package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/autoescola/diario/internal/cloudstore"
)

var (
	// ErrNoCurrentClass is returned when no class is in progress.
	ErrNoCurrentClass = errors.New("no class in progress")

	// ErrNothingCompleted is returned when finishing a class with no
	// completed lesson items.
	ErrNothingCompleted = errors.New("class has no completed items")
)

// CurrentClass is the class in progress, stored under its own key so it
// survives restarts and follows the identity across devices.
type CurrentClass struct {
	h       *cloudstore.Handle[*Class]
	classes *Collection[Class]
	now     func() time.Time
}

// OpenCurrentClass opens the in-progress class. Finished classes are written
// to classes.
func OpenCurrentClass(e *cloudstore.Engine, classes *Collection[Class]) *CurrentClass {
	return &CurrentClass{
		h:       cloudstore.Open[*Class](e, KeyCurrentClass, nil),
		classes: classes,
		now:     time.Now,
	}
}

// Handle exposes the underlying handle.
func (c *CurrentClass) Handle() *cloudstore.Handle[*Class] {
	return c.h
}

// Close releases the handle.
func (c *CurrentClass) Close() {
	c.h.Close()
}

// Get returns a copy of the class in progress, or nil.
func (c *CurrentClass) Get() *Class {
	cur := c.h.Value()
	if cur == nil {
		return nil
	}
	cp := *cur
	return &cp
}

// Start begins a class of lesson for student on date, replacing any class
// in progress.
func (c *CurrentClass) Start(ctx context.Context, student Student, lesson Lesson, date string) (*Class, error) {
	class := &Class{
		ID:          NewID(),
		StudentID:   student.ID,
		StudentName: student.Name,
		LessonID:    lesson.ID,
		Date:        date,
		StartTime:   c.now().UTC().Format(time.RFC3339),
	}
	if err := class.Validate(); err != nil {
		return nil, fmt.Errorf("invalid class: %w", err)
	}
	if _, err := c.h.Set(ctx, class); err != nil {
		return nil, err
	}
	return class, nil
}

// Edit reopens a finished class for changes. Finish then replaces it in the
// class list instead of appending.
func (c *CurrentClass) Edit(ctx context.Context, id string) (*Class, error) {
	finished, ok := c.classes.Find(id)
	if !ok {
		return nil, fmt.Errorf("class %s: %w", id, ErrRecordNotFound)
	}
	finished.IsEditing = true
	if _, err := c.h.Set(ctx, &finished); err != nil {
		return nil, err
	}
	return &finished, nil
}

// Update applies fn to a copy of the class in progress and stores it.
func (c *CurrentClass) Update(ctx context.Context, fn func(*Class)) (*cloudstore.WriteTask, error) {
	if c.h.Value() == nil {
		return nil, ErrNoCurrentClass
	}
	return c.h.Update(ctx, func(cur *Class) *Class {
		if cur == nil {
			return nil
		}
		cp := *cur
		cp.CompletedItems = append([]CheckedItem(nil), cur.CompletedItems...)
		fn(&cp)
		return &cp
	})
}

// Finish stops the clock, stores the class in the class list and clears the
// class in progress. It returns the stored class.
func (c *CurrentClass) Finish(ctx context.Context) (*Class, error) {
	cur := c.Get()
	if cur == nil {
		return nil, ErrNoCurrentClass
	}
	if len(cur.CompletedItems) == 0 {
		return nil, ErrNothingCompleted
	}

	end := c.now().UTC()
	if cur.EndTime == "" {
		cur.EndTime = end.Format(time.RFC3339)
	}
	if cur.Duration == 0 && cur.StartTime != "" {
		if start, err := time.Parse(time.RFC3339, cur.StartTime); err == nil {
			if ended, err := time.Parse(time.RFC3339, cur.EndTime); err == nil && ended.After(start) {
				cur.Duration = int(ended.Sub(start) / time.Second)
			}
		}
	}
	cur.IsEditing = false

	if _, err := c.classes.Put(ctx, *cur); err != nil {
		return nil, fmt.Errorf("failed to store class: %w", err)
	}
	if _, err := c.h.Set(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to clear current class: %w", err)
	}
	return cur, nil
}

// Discard drops the class in progress without storing it.
func (c *CurrentClass) Discard(ctx context.Context) (*cloudstore.WriteTask, error) {
	if c.h.Value() == nil {
		return nil, ErrNoCurrentClass
	}
	return c.h.Set(ctx, nil)
}
