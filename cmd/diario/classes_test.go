package main

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoescola/diario/internal/records"
)

var testLesson = records.Lesson{
	ID:         "lesson-1",
	Title:      "Baliza",
	CategoryID: "car",
	Items: []records.LessonItem{
		{ID: "aaa111", Description: "Posicionar o carro"},
		{ID: "bbb222", Description: "Engatar a marcha ré"},
		{ID: "bbc333", Description: "Girar todo o volante"},
	},
}

func TestResolveItems(t *testing.T) {
	items, err := resolveItems(testLesson, []string{"1", "bbc"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "aaa111", items[0].ID)
	assert.Equal(t, "bbc333", items[1].ID)

	_, err = resolveItems(testLesson, []string{"4"})
	assert.Error(t, err, "out of range")

	_, err = resolveItems(testLesson, []string{"0"})
	assert.Error(t, err, "positions start at 1")

	_, err = resolveItems(testLesson, []string{"bb"})
	assert.Error(t, err, "ambiguous prefix")

	_, err = resolveItems(testLesson, []string{"zzz"})
	assert.Error(t, err, "no match")
}

func TestCheckAndUncheckItems(t *testing.T) {
	c := &records.Class{CompletedItems: []records.CheckedItem{{ID: "bbb222", Text: "Engatar a marcha ré"}}}

	checkItems(testLesson.Items[:2])(c)
	require.Len(t, c.CompletedItems, 2)
	assert.Equal(t, "bbb222", c.CompletedItems[0].ID, "existing marks keep their position")
	assert.Equal(t, "aaa111", c.CompletedItems[1].ID)
	assert.Equal(t, "Posicionar o carro", c.CompletedItems[1].Text)

	checkItems(testLesson.Items[:1])(c)
	assert.Len(t, c.CompletedItems, 2, "checking twice does not duplicate")

	uncheckItems(testLesson.Items[1:2])(c)
	require.Len(t, c.CompletedItems, 1)
	assert.Equal(t, "aaa111", c.CompletedItems[0].ID)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "-", formatDuration(0))
	assert.Equal(t, "50m0s", formatDuration(3000))
	assert.Equal(t, "1h1m0s", formatDuration(3650))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "12345678", shortID("12345678-aaaa-bbbb"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestEditLessonItems(t *testing.T) {
	edited, err := editLessonItems(testLesson, lessonEdits{
		set:    []string{"2=Engatar a ré devagar"},
		remove: []string{"aaa"},
		add:    []string{"Sair da vaga com seta ligada"},
	})
	require.NoError(t, err)
	require.Len(t, edited.Items, 3)
	assert.Equal(t, "bbb222", edited.Items[0].ID)
	assert.Equal(t, "Engatar a ré devagar", edited.Items[0].Description)
	assert.Equal(t, "bbc333", edited.Items[1].ID)
	assert.Equal(t, "Sair da vaga com seta ligada", edited.Items[2].Description)
	assert.NotEmpty(t, edited.Items[2].ID)

	assert.Equal(t, "Posicionar o carro", testLesson.Items[0].Description, "original lesson untouched")
	assert.Equal(t, "Engatar a marcha ré", testLesson.Items[1].Description)

	// Positions refer to the lesson before the edit.
	edited, err = editLessonItems(testLesson, lessonEdits{remove: []string{"1", "3"}})
	require.NoError(t, err)
	require.Len(t, edited.Items, 1)
	assert.Equal(t, "bbb222", edited.Items[0].ID)

	_, err = editLessonItems(testLesson, lessonEdits{set: []string{"no separator"}})
	assert.Error(t, err)

	_, err = editLessonItems(testLesson, lessonEdits{remove: []string{"9"}})
	assert.Error(t, err)

	unchanged, err := editLessonItems(testLesson, lessonEdits{})
	require.NoError(t, err)
	assert.Equal(t, testLesson, unchanged)
}

func TestApplyStudentFlags(t *testing.T) {
	newFlags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("edit", pflag.ContinueOnError)
		fs.String("name", "", "")
		fs.String("phone", "", "")
		fs.String("cpf", "", "")
		fs.String("number", "", "")
		return fs
	}
	ana := records.Student{ID: "s1", Name: "Ana", Phone: "(11) 91234-5678", CPF: "123.456.789-00", StudentNumber: "42"}

	s := ana
	fs := newFlags()
	require.NoError(t, fs.Parse([]string{"--phone", "(21) 99876-5432", "--cpf", ""}))
	assert.True(t, applyStudentFlags(fs, &s))
	assert.Equal(t, "Ana", s.Name)
	assert.Equal(t, "(21) 99876-5432", s.Phone)
	assert.Empty(t, s.CPF, "an explicit empty value clears the field")
	assert.Equal(t, "42", s.StudentNumber)

	s = ana
	assert.False(t, applyStudentFlags(newFlags(), &s))
	assert.Equal(t, ana, s)
}
