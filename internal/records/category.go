package records

// Category is a vehicle category lessons are grouped by.
type Category struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Slug        string `json:"slug" yaml:"slug"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Categories is the fixed category catalog.
var Categories = []Category{
	{ID: "car", Name: "Carro", Slug: "car"},
	{ID: "motorcycle", Name: "Moto", Slug: "motorcycle"},
	{ID: "bus", Name: "Ônibus", Slug: "bus"},
}

// Uncategorized collects records whose category is missing or unknown.
var Uncategorized = Category{
	ID:          "uncategorized",
	Name:        "Sem categoria",
	Slug:        "sem-categoria",
	Description: "Sem categoria definida",
}

// CategoryByID looks up a catalog category.
func CategoryByID(id string) (Category, bool) {
	for _, c := range Categories {
		if c.ID == id {
			return c, true
		}
	}
	return Category{}, false
}

// ClassGroup is the classes given in one category.
type ClassGroup struct {
	Category Category
	Classes  []Class
}

// LessonGroup is the lessons of one category.
type LessonGroup struct {
	Category Category
	Lessons  []Lesson
}

// GroupByCategory groups classes by the category of their lesson. Groups
// follow catalog order with the uncategorized group last; empty groups are
// omitted.
func GroupByCategory(classes []Class, lessons []Lesson) []ClassGroup {
	lessonCategory := make(map[string]string, len(lessons))
	for _, l := range lessons {
		lessonCategory[l.ID] = l.CategoryID
	}

	byCategory := make(map[string][]Class)
	for _, c := range classes {
		id := lessonCategory[c.LessonID]
		if _, ok := CategoryByID(id); !ok {
			id = Uncategorized.ID
		}
		byCategory[id] = append(byCategory[id], c)
	}

	var groups []ClassGroup
	for _, cat := range append(Categories[:len(Categories):len(Categories)], Uncategorized) {
		if cs := byCategory[cat.ID]; len(cs) > 0 {
			groups = append(groups, ClassGroup{Category: cat, Classes: cs})
		}
	}
	return groups
}

// GroupLessons groups lessons by their category, in the same order as
// GroupByCategory.
func GroupLessons(lessons []Lesson) []LessonGroup {
	byCategory := make(map[string][]Lesson)
	for _, l := range lessons {
		id := l.CategoryID
		if _, ok := CategoryByID(id); !ok {
			id = Uncategorized.ID
		}
		byCategory[id] = append(byCategory[id], l)
	}

	var groups []LessonGroup
	for _, cat := range append(Categories[:len(Categories):len(Categories)], Uncategorized) {
		if ls := byCategory[cat.ID]; len(ls) > 0 {
			groups = append(groups, LessonGroup{Category: cat, Lessons: ls})
		}
	}
	return groups
}
