// Package records provides the driving school's record types and typed views
// over the synchronized lists they are stored in.
//
// Every list lives under one logical key and is synchronized as a whole by
// cloudstore; the helpers here read the in-memory list and write back a
// modified copy.
package records

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Logical keys of the synchronized lists.
const (
	KeyStudents     = "students"
	KeyLessons      = "lessons"
	KeyClasses      = "classes"
	KeyCurrentClass = "currentClass"
)

// NewID returns a fresh record ID.
func NewID() string {
	return uuid.NewString()
}

// Student is a driving school student.
type Student struct {
	ID            string `json:"id" yaml:"id"`
	StudentNumber string `json:"studentNumber,omitempty" yaml:"student_number,omitempty"`
	Name          string `json:"name" yaml:"name"`
	Phone         string `json:"phone" yaml:"phone"`
	CPF           string `json:"cpf,omitempty" yaml:"cpf,omitempty"`
}

var (
	phonePattern = regexp.MustCompile(`^\(\d{2}\) \d{4,5}-\d{4}$`)
	cpfPattern   = regexp.MustCompile(`^\d{3}\.\d{3}\.\d{3}-\d{2}$`)
)

// RecordID returns the student's ID.
func (s Student) RecordID() string { return s.ID }

// Validate checks if the Student has valid field values.
func (s Student) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if n := utf8.RuneCountInString(s.Name); n < 2 || n > 50 {
		return fmt.Errorf("name must be between 2 and 50 characters (got %d)", n)
	}
	if !phonePattern.MatchString(s.Phone) {
		return fmt.Errorf("phone must look like (11) 91234-5678 (got %q)", s.Phone)
	}
	if s.CPF != "" && !cpfPattern.MatchString(s.CPF) {
		return fmt.Errorf("cpf must look like 123.456.789-00 (got %q)", s.CPF)
	}
	return nil
}

// LessonItem is one step of a lesson plan.
type LessonItem struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Completed   bool   `json:"completed" yaml:"completed"`
}

// Lesson is a lesson plan within a vehicle category.
type Lesson struct {
	ID         string       `json:"id" yaml:"id"`
	Title      string       `json:"title" yaml:"title"`
	CategoryID string       `json:"categoryId" yaml:"category_id"`
	Items      []LessonItem `json:"items" yaml:"items"`
}

// RecordID returns the lesson's ID.
func (l Lesson) RecordID() string { return l.ID }

// Validate checks if the Lesson has valid field values.
func (l Lesson) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("id is required")
	}
	if n := utf8.RuneCountInString(l.Title); n < 2 || n > 50 {
		return fmt.Errorf("title must be between 2 and 50 characters (got %d)", n)
	}
	if l.CategoryID == "" {
		return fmt.Errorf("category is required")
	}
	for _, item := range l.Items {
		if item.ID == "" {
			return fmt.Errorf("item id is required")
		}
		if n := utf8.RuneCountInString(item.Description); item.Description != "" && (n < 8 || n > 255) {
			return fmt.Errorf("item %s: description must be between 8 and 255 characters (got %d)", item.ID, n)
		}
	}
	return nil
}

// CheckedItem is a lesson item marked done during a class.
type CheckedItem struct {
	ID   string `json:"id" yaml:"id"`
	Text string `json:"text" yaml:"text"`
}

// Class is one lesson given to one student. StartTime and EndTime are
// RFC 3339 timestamps; Duration is in seconds.
type Class struct {
	ID               string        `json:"id" yaml:"id"`
	StudentID        string        `json:"studentId" yaml:"student_id"`
	StudentName      string        `json:"studentName" yaml:"student_name"`
	LessonID         string        `json:"lessonId" yaml:"lesson_id"`
	Comments         string        `json:"comments" yaml:"comments"`
	Date             string        `json:"date" yaml:"date"`
	CompletedItems   []CheckedItem `json:"completedItems,omitempty" yaml:"completed_items,omitempty"`
	StartTime        string        `json:"startTime,omitempty" yaml:"start_time,omitempty"`
	EndTime          string        `json:"endTime,omitempty" yaml:"end_time,omitempty"`
	Duration         int           `json:"duration,omitempty" yaml:"duration,omitempty"`
	TeacherSignature string        `json:"teacherSignature,omitempty" yaml:"-"`
	StudentSignature string        `json:"studentSignature,omitempty" yaml:"-"`
	IsEditing        bool          `json:"isEditing,omitempty" yaml:"-"`
}

// RecordID returns the class ID.
func (c Class) RecordID() string { return c.ID }

// Validate checks if the Class has valid field values.
func (c Class) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.StudentID == "" {
		return fmt.Errorf("student is required")
	}
	if c.LessonID == "" {
		return fmt.Errorf("lesson is required")
	}
	if c.Date == "" {
		return fmt.Errorf("date is required")
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration must not be negative (got %d)", c.Duration)
	}
	return nil
}

// Signed reports whether both teacher and student signed the class.
func (c Class) Signed() bool {
	return c.TeacherSignature != "" && c.StudentSignature != ""
}

// Sign sets the non-empty signatures, keeping the ones already given.
func (c *Class) Sign(teacher, student string) {
	if teacher != "" {
		c.TeacherSignature = teacher
	}
	if student != "" {
		c.StudentSignature = student
	}
}
