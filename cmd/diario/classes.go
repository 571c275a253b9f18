package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/autoescola/diario/internal/records"
	"github.com/autoescola/diario/internal/ui"
)

func classText(c records.Class) string {
	return c.Date + " " + c.StudentName
}

// classViews opens the lists the class commands read together.
type classViews struct {
	students *records.Collection[records.Student]
	lessons  *records.Collection[records.Lesson]
	classes  *records.Collection[records.Class]
	current  *records.CurrentClass
}

func openClassViews(ctx context.Context, a *app) *classViews {
	v := &classViews{
		students: records.OpenStudents(a.engine),
		lessons:  records.OpenLessons(a.engine),
		classes:  records.OpenClasses(a.engine),
	}
	v.current = records.OpenCurrentClass(a.engine, v.classes)

	printStatus(waitLoaded(ctx, a, v.students.Handle()))
	printStatus(waitLoaded(ctx, a, v.lessons.Handle()))
	printStatus(waitLoaded(ctx, a, v.classes.Handle()))
	printStatus(waitLoaded(ctx, a, v.current.Handle()))
	return v
}

func (v *classViews) Close() {
	v.current.Close()
	v.classes.Close()
	v.lessons.Close()
	v.students.Close()
}

func (v *classViews) lessonTitle(id string) string {
	if l, ok := v.lessons.Find(id); ok {
		return l.Title
	}
	return ui.RenderMuted("(deleted lesson)")
}

// resolveItems maps item arguments (1-based position or ID prefix) to the
// lesson's items.
func resolveItems(lesson records.Lesson, args []string) ([]records.LessonItem, error) {
	var out []records.LessonItem
	for _, arg := range args {
		if n, err := strconv.Atoi(arg); err == nil {
			if n < 1 || n > len(lesson.Items) {
				return nil, fmt.Errorf("item %d out of range (lesson has %d items)", n, len(lesson.Items))
			}
			out = append(out, lesson.Items[n-1])
			continue
		}
		var match []records.LessonItem
		for _, item := range lesson.Items {
			if strings.HasPrefix(item.ID, arg) {
				match = append(match, item)
			}
		}
		if len(match) != 1 {
			return nil, fmt.Errorf("item %q matches %d items", arg, len(match))
		}
		out = append(out, match[0])
	}
	return out, nil
}

// checkItems returns an update marking items completed, keeping existing
// marks and order.
func checkItems(items []records.LessonItem) func(*records.Class) {
	return func(c *records.Class) {
		for _, item := range items {
			seen := false
			for _, done := range c.CompletedItems {
				if done.ID == item.ID {
					seen = true
					break
				}
			}
			if !seen {
				c.CompletedItems = append(c.CompletedItems, records.CheckedItem{ID: item.ID, Text: item.Description})
			}
		}
	}
}

func uncheckItems(items []records.LessonItem) func(*records.Class) {
	return func(c *records.Class) {
		kept := c.CompletedItems[:0]
		for _, done := range c.CompletedItems {
			drop := false
			for _, item := range items {
				if done.ID == item.ID {
					drop = true
					break
				}
			}
			if !drop {
				kept = append(kept, done)
			}
		}
		c.CompletedItems = kept
	}
}

func formatDuration(seconds int) string {
	if seconds <= 0 {
		return "-"
	}
	return (time.Duration(seconds) * time.Second).Round(time.Minute).String()
}

func printClass(v *classViews, c *records.Class) {
	status := "in progress"
	if c.IsEditing {
		status = "editing"
	}
	fmt.Printf("\n%s %s\n", ui.RenderHeader(v.lessonTitle(c.LessonID)), ui.RenderMuted("("+status+")"))
	fmt.Printf("   Student: %s\n", c.StudentName)
	fmt.Printf("   Date: %s\n", c.Date)
	if c.StartTime != "" {
		if t, err := time.Parse(time.RFC3339, c.StartTime); err == nil {
			fmt.Printf("   Started: %s (%s ago)\n", t.Local().Format("15:04"), time.Since(t).Round(time.Minute))
		}
	}
	if c.Comments != "" {
		fmt.Printf("   Comments: %s\n", c.Comments)
	}

	done := make(map[string]bool, len(c.CompletedItems))
	for _, item := range c.CompletedItems {
		done[item.ID] = true
	}
	if lesson, ok := v.lessons.Find(c.LessonID); ok && len(lesson.Items) > 0 {
		fmt.Println("   Items:")
		for i, item := range lesson.Items {
			mark := ui.RenderMuted("[ ]")
			if done[item.ID] {
				mark = ui.RenderPass("[✓]")
			}
			fmt.Printf("      %s %d. %s\n", mark, i+1, item.Description)
		}
	}
	fmt.Println()
}

func requireCurrent(v *classViews) *records.Class {
	cur := v.current.Get()
	if cur == nil {
		fatalf("no class in progress (run 'diario classes start')")
	}
	return cur
}

var classesCmd = &cobra.Command{
	Use:     "classes",
	GroupID: "records",
	Short:   "Give, list and manage classes",
	Long: `Classes record one lesson given to one student.

A class is started, its lesson items are checked off while it runs and it
is finished when the student leaves. The class in progress is synchronized
like any other record, so it can be continued on another device.`,
}

var classesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List finished classes by category",
	Run: func(cmd *cobra.Command, args []string) {
		student, _ := cmd.Flags().GetString("student")

		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()
		v := openClassViews(ctx, a)
		defer v.Close()

		classes := v.classes.List()
		if student != "" {
			s := pick(v.students, "student", student, studentText)
			filtered := classes[:0]
			for _, c := range classes {
				if c.StudentID == s.ID {
					filtered = append(filtered, c)
				}
			}
			classes = filtered
		}

		groups := records.GroupByCategory(classes, v.lessons.List())
		if len(groups) == 0 {
			fmt.Println("No classes.")
		}
		for _, g := range groups {
			fmt.Printf("\n%s %s\n", ui.RenderHeader(g.Category.Name), ui.RenderMuted(fmt.Sprintf("(%d)", len(g.Classes))))
			rows := make([][]string, 0, len(g.Classes))
			for _, c := range g.Classes {
				signed := ""
				if c.Signed() {
					signed = "✓"
				}
				rows = append(rows, []string{
					shortID(c.ID), c.Date, c.StudentName, v.lessonTitle(c.LessonID),
					strconv.Itoa(len(c.CompletedItems)), formatDuration(c.Duration), signed,
				})
			}
			ui.Table(os.Stdout, []string{"ID", "DATE", "STUDENT", "LESSON", "ITEMS", "DURATION", "SIGNED"}, rows)
		}

		if cur := v.current.Get(); cur != nil {
			fmt.Printf("\n%s Class in progress: %s with %s\n", ui.RenderAccent("●"), v.lessonTitle(cur.LessonID), cur.StudentName)
		}
		fmt.Println()
	},
}

var classesStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a class",
	Long: `Start a class of a lesson for a student. Any class in progress is replaced.

  diario classes start --student ana --lesson baliza
  diario classes start --student ana --lesson baliza --date yesterday`,
	Run: func(cmd *cobra.Command, args []string) {
		studentQuery, _ := cmd.Flags().GetString("student")
		lessonQuery, _ := cmd.Flags().GetString("lesson")
		dateInput, _ := cmd.Flags().GetString("date")

		date, err := records.ParseDate(dateInput, time.Now())
		if err != nil {
			fatalf("%v", err)
		}

		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()
		v := openClassViews(ctx, a)
		defer v.Close()

		student := pick(v.students, "student", studentQuery, studentText)
		lesson := pick(v.lessons, "lesson", lessonQuery, lessonText)

		if prev := v.current.Get(); prev != nil {
			fmt.Printf("%s Replacing the class in progress with %s\n", ui.RenderWarn("⚠"), prev.StudentName)
		}
		class, err := v.current.Start(ctx, student, lesson, date)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Started %s with %s\n", ui.RenderPass("✓"), ui.RenderAccent(lesson.Title), student.Name)
		printClass(v, class)
	},
}

var classesShowCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the class in progress",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()
		v := openClassViews(ctx, a)
		defer v.Close()

		cur := v.current.Get()
		if cur == nil {
			fmt.Println("No class in progress.")
			return
		}
		printClass(v, cur)
	},
}

var classesCheckCmd = &cobra.Command{
	Use:   "check <item>...",
	Short: "Mark lesson items of the class in progress as done",
	Long: `Mark items by their position in the lesson (1, 2, ...) or by ID prefix.

  diario classes check 1 3
  diario classes check --undo 3`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		undo, _ := cmd.Flags().GetBool("undo")

		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()
		v := openClassViews(ctx, a)
		defer v.Close()

		cur := requireCurrent(v)
		lesson, ok := v.lessons.Find(cur.LessonID)
		if !ok {
			fatalf("lesson %s no longer exists", cur.LessonID)
		}
		items, err := resolveItems(lesson, args)
		if err != nil {
			fatalf("%v", err)
		}

		update := checkItems(items)
		if undo {
			update = uncheckItems(items)
		}
		task, err := v.current.Update(ctx, update)
		if err != nil {
			fatalf("%v", err)
		}
		waitWrite(ctx, task)
		printClass(v, v.current.Get())
	},
}

var classesCommentCmd = &cobra.Command{
	Use:   "comment <text>",
	Short: "Set the comments of the class in progress",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()
		v := openClassViews(ctx, a)
		defer v.Close()

		requireCurrent(v)
		task, err := v.current.Update(ctx, func(c *records.Class) { c.Comments = args[0] })
		if err != nil {
			fatalf("%v", err)
		}
		if waitWrite(ctx, task) {
			fmt.Printf("%s Comments saved\n", ui.RenderPass("✓"))
		}
	},
}

var classesSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign the class in progress",
	Long: `Record the teacher's and/or the student's signature on the class in
progress. A signature given again replaces the earlier one.

  diario classes sign --teacher "Carlos Lima" --student "Ana Souza"`,
	Run: func(cmd *cobra.Command, args []string) {
		teacher, _ := cmd.Flags().GetString("teacher")
		student, _ := cmd.Flags().GetString("student")
		if teacher == "" && student == "" {
			fatalf("--teacher or --student is required")
		}

		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()
		v := openClassViews(ctx, a)
		defer v.Close()

		requireCurrent(v)
		task, err := v.current.Update(ctx, func(c *records.Class) { c.Sign(teacher, student) })
		if err != nil {
			fatalf("%v", err)
		}
		if waitWrite(ctx, task) {
			signed := v.current.Get()
			fmt.Printf("%s Signature saved\n", ui.RenderPass("✓"))
			if signed != nil && signed.Signed() {
				fmt.Printf("   Signed by both\n")
			}
		}
	},
}

var classesFinishCmd = &cobra.Command{
	Use:   "finish",
	Short: "Finish the class in progress",
	Long: `Stop the clock and store the class in progress. At least one lesson item
must be checked; --item checks more on the way.

  diario classes finish --item 4 --comment "Boa evolução"`,
	Run: func(cmd *cobra.Command, args []string) {
		itemArgs, _ := cmd.Flags().GetStringSlice("item")
		comment, _ := cmd.Flags().GetString("comment")

		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()
		v := openClassViews(ctx, a)
		defer v.Close()

		cur := requireCurrent(v)
		var items []records.LessonItem
		if len(itemArgs) > 0 {
			lesson, ok := v.lessons.Find(cur.LessonID)
			if !ok {
				fatalf("lesson %s no longer exists", cur.LessonID)
			}
			var err error
			if items, err = resolveItems(lesson, itemArgs); err != nil {
				fatalf("%v", err)
			}
		}
		if len(items) > 0 || comment != "" {
			_, err := v.current.Update(ctx, func(c *records.Class) {
				checkItems(items)(c)
				if comment != "" {
					c.Comments = comment
				}
			})
			if err != nil {
				fatalf("%v", err)
			}
			a.settle(ctx)
		}

		class, err := v.current.Finish(ctx)
		if errors.Is(err, records.ErrNothingCompleted) {
			fatalf("check at least one lesson item before finishing (diario classes check <item>)")
		}
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Finished %s with %s\n", ui.RenderPass("✓"), v.lessonTitle(class.LessonID), class.StudentName)
		fmt.Printf("   Items: %d\n", len(class.CompletedItems))
		fmt.Printf("   Duration: %s\n", formatDuration(class.Duration))
	},
}

var classesDiscardCmd = &cobra.Command{
	Use:   "discard",
	Short: "Drop the class in progress without storing it",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()
		v := openClassViews(ctx, a)
		defer v.Close()

		task, err := v.current.Discard(ctx)
		if errors.Is(err, records.ErrNoCurrentClass) {
			fmt.Println("No class in progress.")
			return
		}
		if err != nil {
			fatalf("%v", err)
		}
		if waitWrite(ctx, task) {
			fmt.Printf("%s Class discarded\n", ui.RenderPass("✓"))
		}
	},
}

var classesEditCmd = &cobra.Command{
	Use:   "edit <class>",
	Short: "Reopen a finished class for changes",
	Long: `Reopen a finished class as the class in progress. Check items, change the
comments and run 'diario classes finish' to store it again in place.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()
		v := openClassViews(ctx, a)
		defer v.Close()

		c := pick(v.classes, "class", args[0], classText)
		class, err := v.current.Edit(ctx, c.ID)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Editing class of %s on %s\n", ui.RenderPass("✓"), class.StudentName, class.Date)
		printClass(v, class)
	},
}

var classesRmCmd = &cobra.Command{
	Use:   "rm <class>",
	Short: "Remove a finished class",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()
		v := openClassViews(ctx, a)
		defer v.Close()

		c := pick(v.classes, "class", args[0], classText)
		task, err := v.classes.Remove(ctx, c.ID)
		if err != nil {
			fatalf("%v", err)
		}
		if waitWrite(ctx, task) {
			fmt.Printf("%s Removed class of %s on %s\n", ui.RenderPass("✓"), c.StudentName, c.Date)
		}
	},
}

func init() {
	classesListCmd.Flags().String("student", "", "Only classes of this student (ID or name)")

	classesStartCmd.Flags().String("student", "", "Student ID or name")
	classesStartCmd.Flags().String("lesson", "", "Lesson ID or title")
	classesStartCmd.Flags().String("date", "", "Class date: 2006-01-02, 02/01/2006 or e.g. 'yesterday' (default today)")
	_ = classesStartCmd.MarkFlagRequired("student")
	_ = classesStartCmd.MarkFlagRequired("lesson")

	classesCheckCmd.Flags().Bool("undo", false, "Unmark the items instead")

	classesSignCmd.Flags().String("teacher", "", "Teacher's signature")
	classesSignCmd.Flags().String("student", "", "Student's signature")

	classesFinishCmd.Flags().StringSlice("item", nil, "Lesson item to check before finishing (repeatable)")
	classesFinishCmd.Flags().String("comment", "", "Comments on the class")

	classesCmd.AddCommand(
		classesListCmd,
		classesStartCmd,
		classesShowCmd,
		classesCheckCmd,
		classesCommentCmd,
		classesSignCmd,
		classesFinishCmd,
		classesDiscardCmd,
		classesEditCmd,
		classesRmCmd,
	)
	rootCmd.AddCommand(classesCmd)
}
