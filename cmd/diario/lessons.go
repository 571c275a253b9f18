package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/autoescola/diario/internal/records"
	"github.com/autoescola/diario/internal/ui"
)

func lessonText(l records.Lesson) string {
	return l.Title
}

func categoryNames() string {
	ids := make([]string, len(records.Categories))
	for i, c := range records.Categories {
		ids[i] = c.ID
	}
	return strings.Join(ids, ", ")
}

var lessonsCmd = &cobra.Command{
	Use:     "lessons",
	GroupID: "records",
	Short:   "List and manage lesson plans",
}

var lessonsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List lesson plans by category",
	Run: func(cmd *cobra.Command, args []string) {
		showItems, _ := cmd.Flags().GetBool("items")

		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()

		lessons := records.OpenLessons(a.engine)
		defer lessons.Close()
		printStatus(waitLoaded(ctx, a, lessons.Handle()))

		groups := records.GroupLessons(lessons.List())
		if len(groups) == 0 {
			fmt.Println("No lessons.")
			return
		}
		for _, g := range groups {
			fmt.Printf("\n%s %s\n", ui.RenderHeader(g.Category.Name), ui.RenderMuted(fmt.Sprintf("(%d)", len(g.Lessons))))
			for _, l := range g.Lessons {
				fmt.Printf("   %s  %s\n", ui.RenderMuted(shortID(l.ID)), l.Title)
				if !showItems {
					continue
				}
				for i, item := range l.Items {
					fmt.Printf("      %d. %s\n", i+1, item.Description)
				}
			}
		}
		fmt.Println()
	},
}

var lessonsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a lesson plan",
	Long: `Add a lesson plan to a category. Repeat --item for each step.

  diario lessons add --title "Baliza" --category car \
      --item "Posicionar o carro paralelo" --item "Engatar a ré e girar o volante"`,
	Run: func(cmd *cobra.Command, args []string) {
		title, _ := cmd.Flags().GetString("title")
		category, _ := cmd.Flags().GetString("category")
		items, _ := cmd.Flags().GetStringArray("item")

		if _, ok := records.CategoryByID(category); !ok {
			fatalf("unknown category %q (want one of %s)", category, categoryNames())
		}
		l := records.Lesson{ID: records.NewID(), Title: title, CategoryID: category}
		for _, desc := range items {
			l.Items = append(l.Items, records.LessonItem{ID: records.NewID(), Description: desc})
		}
		if err := l.Validate(); err != nil {
			fatalf("invalid lesson: %v", err)
		}

		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()

		lessons := records.OpenLessons(a.engine)
		defer lessons.Close()
		waitLoaded(ctx, a, lessons.Handle())

		task, err := lessons.Put(ctx, l)
		if err != nil {
			fatalf("%v", err)
		}
		if waitWrite(ctx, task) {
			fmt.Printf("%s Added lesson %s (%d items)\n", ui.RenderPass("✓"), ui.RenderAccent(l.Title), len(l.Items))
			fmt.Printf("   ID: %s\n", l.ID)
		}
	},
}

// lessonEdits are the item changes of one lessons edit run. Positions and ID
// prefixes refer to the lesson as stored before the edit.
type lessonEdits struct {
	set    []string // "<item>=<description>"
	remove []string
	add    []string
}

// editLessonItems applies edits to a copy of l: descriptions are replaced
// first, then items removed, then new items appended.
func editLessonItems(l records.Lesson, edits lessonEdits) (records.Lesson, error) {
	out := l
	out.Items = append([]records.LessonItem(nil), l.Items...)

	for _, arg := range edits.set {
		ref, desc, ok := strings.Cut(arg, "=")
		if !ok {
			return l, fmt.Errorf("invalid --set-item %q (want <item>=<description>)", arg)
		}
		items, err := resolveItems(l, []string{ref})
		if err != nil {
			return l, err
		}
		for i := range out.Items {
			if out.Items[i].ID == items[0].ID {
				out.Items[i].Description = desc
			}
		}
	}

	drop, err := resolveItems(l, edits.remove)
	if err != nil {
		return l, err
	}
	if len(drop) > 0 {
		kept := out.Items[:0]
		for _, item := range out.Items {
			removed := false
			for _, d := range drop {
				if d.ID == item.ID {
					removed = true
					break
				}
			}
			if !removed {
				kept = append(kept, item)
			}
		}
		out.Items = kept
	}

	for _, desc := range edits.add {
		out.Items = append(out.Items, records.LessonItem{ID: records.NewID(), Description: desc})
	}
	return out, nil
}

var lessonsEditCmd = &cobra.Command{
	Use:   "edit <lesson>",
	Short: "Edit a lesson plan by ID or title",
	Long: `Change a lesson's title, category or steps. Items are referred to by
position (1, 2, ...) or ID prefix, as shown by 'lessons list --items'.

  diario lessons edit baliza --set-item "2=Engatar a ré devagar" --rm-item 3 \
      --item "Sair da vaga com seta ligada"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		title, _ := cmd.Flags().GetString("title")
		category, _ := cmd.Flags().GetString("category")
		var edits lessonEdits
		edits.add, _ = cmd.Flags().GetStringArray("item")
		edits.set, _ = cmd.Flags().GetStringArray("set-item")
		edits.remove, _ = cmd.Flags().GetStringSlice("rm-item")

		if cmd.Flags().Changed("category") {
			if _, ok := records.CategoryByID(category); !ok {
				fatalf("unknown category %q (want one of %s)", category, categoryNames())
			}
		}

		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()

		lessons := records.OpenLessons(a.engine)
		defer lessons.Close()
		waitLoaded(ctx, a, lessons.Handle())

		l := pick(lessons, "lesson", args[0], lessonText)
		edited, err := editLessonItems(l, edits)
		if err != nil {
			fatalf("%v", err)
		}
		if cmd.Flags().Changed("title") {
			edited.Title = title
		}
		if cmd.Flags().Changed("category") {
			edited.CategoryID = category
		}
		if err := edited.Validate(); err != nil {
			fatalf("invalid lesson: %v", err)
		}

		task, err := lessons.Put(ctx, edited)
		if err != nil {
			fatalf("%v", err)
		}
		if waitWrite(ctx, task) {
			fmt.Printf("%s Updated lesson %s (%d items)\n", ui.RenderPass("✓"), ui.RenderAccent(edited.Title), len(edited.Items))
		}
	},
}

var lessonsRmCmd = &cobra.Command{
	Use:   "rm <lesson>",
	Short: "Remove a lesson plan by ID or title",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()

		lessons := records.OpenLessons(a.engine)
		defer lessons.Close()
		waitLoaded(ctx, a, lessons.Handle())

		l := pick(lessons, "lesson", args[0], lessonText)
		task, err := lessons.Remove(ctx, l.ID)
		if err != nil {
			fatalf("%v", err)
		}
		if waitWrite(ctx, task) {
			fmt.Printf("%s Removed lesson %s\n", ui.RenderPass("✓"), l.Title)
		}
	},
}

func init() {
	lessonsListCmd.Flags().Bool("items", false, "Show the steps of each lesson")

	lessonsAddCmd.Flags().String("title", "", "Lesson title")
	lessonsAddCmd.Flags().String("category", "", "Vehicle category: "+categoryNames())
	lessonsAddCmd.Flags().StringArray("item", nil, "Lesson step (repeatable)")
	_ = lessonsAddCmd.MarkFlagRequired("title")
	_ = lessonsAddCmd.MarkFlagRequired("category")

	lessonsEditCmd.Flags().String("title", "", "New lesson title")
	lessonsEditCmd.Flags().String("category", "", "New vehicle category: "+categoryNames())
	lessonsEditCmd.Flags().StringArray("item", nil, "Append a lesson step (repeatable)")
	lessonsEditCmd.Flags().StringArray("set-item", nil, "Replace a step's text, as <item>=<description> (repeatable)")
	lessonsEditCmd.Flags().StringSlice("rm-item", nil, "Remove a step by position or ID prefix (repeatable)")

	lessonsCmd.AddCommand(lessonsListCmd, lessonsAddCmd, lessonsEditCmd, lessonsRmCmd)
	rootCmd.AddCommand(lessonsCmd)
}
