package main

import (
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/autoescola/diario/internal/records"
	"github.com/autoescola/diario/internal/ui"
)

func studentText(s records.Student) string {
	return s.StudentNumber + " " + s.Name + " " + s.Phone
}

var studentsCmd = &cobra.Command{
	Use:     "students",
	GroupID: "records",
	Short:   "List and manage students",
}

var studentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List students",
	Run: func(cmd *cobra.Command, args []string) {
		search, _ := cmd.Flags().GetString("search")

		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()

		students := records.OpenStudents(a.engine)
		defer students.Close()
		printStatus(waitLoaded(ctx, a, students.Handle()))

		list := students.List()
		if search != "" {
			list = students.Search(search, studentText)
		}
		if len(list) == 0 {
			fmt.Println("No students.")
			return
		}

		rows := make([][]string, 0, len(list))
		for _, s := range list {
			rows = append(rows, []string{shortID(s.ID), s.StudentNumber, s.Name, s.Phone, s.CPF})
		}
		ui.Table(os.Stdout, []string{"ID", "NUMBER", "NAME", "PHONE", "CPF"}, rows)
	},
}

// studentForm asks for the fields not given on the command line.
func studentForm(s *records.Student) error {
	nameCheck := func(v string) error {
		if n := utf8.RuneCountInString(v); n < 2 || n > 50 {
			return errors.New("between 2 and 50 characters")
		}
		return nil
	}
	phoneCheck := func(v string) error {
		candidate := records.Student{ID: "-", Name: "--", Phone: v}
		if err := candidate.Validate(); err != nil {
			return errors.New("format (11) 91234-5678")
		}
		return nil
	}
	cpfCheck := func(v string) error {
		candidate := records.Student{ID: "-", Name: "--", Phone: "(00) 0000-0000", CPF: v}
		if err := candidate.Validate(); err != nil {
			return errors.New("format 123.456.789-00")
		}
		return nil
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Name").Value(&s.Name).Validate(nameCheck),
			huh.NewInput().Title("Phone").Placeholder("(11) 91234-5678").Value(&s.Phone).Validate(phoneCheck),
			huh.NewInput().Title("CPF (optional)").Placeholder("123.456.789-00").Value(&s.CPF).Validate(cpfCheck),
			huh.NewInput().Title("Student number (optional)").Value(&s.StudentNumber),
		),
	).Run()
}

var studentsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a student",
	Long: `Add a student. Without --name and --phone an interactive form asks for
the details when running in a terminal.

  diario students add --name "Ana Souza" --phone "(11) 91234-5678"`,
	Run: func(cmd *cobra.Command, args []string) {
		s := records.Student{ID: records.NewID()}
		s.Name, _ = cmd.Flags().GetString("name")
		s.Phone, _ = cmd.Flags().GetString("phone")
		s.CPF, _ = cmd.Flags().GetString("cpf")
		s.StudentNumber, _ = cmd.Flags().GetString("number")

		if s.Name == "" || s.Phone == "" {
			if !ui.IsInteractive() {
				fatalf("--name and --phone are required")
			}
			if err := studentForm(&s); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Cancelled.")
					return
				}
				fatalf("%v", err)
			}
		}
		if err := s.Validate(); err != nil {
			fatalf("invalid student: %v", err)
		}

		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()

		students := records.OpenStudents(a.engine)
		defer students.Close()
		waitLoaded(ctx, a, students.Handle())

		task, err := students.Put(ctx, s)
		if err != nil {
			fatalf("%v", err)
		}
		if waitWrite(ctx, task) {
			fmt.Printf("%s Added student %s\n", ui.RenderPass("✓"), ui.RenderAccent(s.Name))
			fmt.Printf("   ID: %s\n", s.ID)
		}
	},
}

var studentsRmCmd = &cobra.Command{
	Use:   "rm <student>",
	Short: "Remove a student by ID or name",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()

		students := records.OpenStudents(a.engine)
		defer students.Close()
		waitLoaded(ctx, a, students.Handle())

		s := pick(students, "student", args[0], studentText)
		task, err := students.Remove(ctx, s.ID)
		if err != nil {
			fatalf("%v", err)
		}
		if waitWrite(ctx, task) {
			fmt.Printf("%s Removed student %s\n", ui.RenderPass("✓"), s.Name)
		}
	},
}

// applyStudentFlags copies the flags set on the command line onto s and
// reports whether any were set.
func applyStudentFlags(flags *pflag.FlagSet, s *records.Student) bool {
	fields := map[string]*string{
		"name":   &s.Name,
		"phone":  &s.Phone,
		"cpf":    &s.CPF,
		"number": &s.StudentNumber,
	}
	changed := false
	for name, field := range fields {
		if !flags.Changed(name) {
			continue
		}
		*field, _ = flags.GetString(name)
		changed = true
	}
	return changed
}

var studentsEditCmd = &cobra.Command{
	Use:   "edit <student>",
	Short: "Edit a student by ID or name",
	Long: `Change a student's details. Only the flags given are changed; with none,
an interactive form shows the current values when running in a terminal.

  diario students edit ana --phone "(11) 99876-5432"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()

		students := records.OpenStudents(a.engine)
		defer students.Close()
		waitLoaded(ctx, a, students.Handle())

		s := pick(students, "student", args[0], studentText)
		if !applyStudentFlags(cmd.Flags(), &s) {
			if !ui.IsInteractive() {
				fatalf("nothing to change (use --name, --phone, --cpf or --number)")
			}
			if err := studentForm(&s); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Cancelled.")
					return
				}
				fatalf("%v", err)
			}
		}
		if err := s.Validate(); err != nil {
			fatalf("invalid student: %v", err)
		}

		task, err := students.Put(ctx, s)
		if err != nil {
			fatalf("%v", err)
		}
		if waitWrite(ctx, task) {
			fmt.Printf("%s Updated student %s\n", ui.RenderPass("✓"), ui.RenderAccent(s.Name))
		}
	},
}

func init() {
	studentsListCmd.Flags().StringP("search", "s", "", "Only students whose name, number or phone contains this text")

	studentsAddCmd.Flags().String("name", "", "Full name")
	studentsAddCmd.Flags().String("phone", "", "Phone, formatted (11) 91234-5678")
	studentsAddCmd.Flags().String("cpf", "", "CPF, formatted 123.456.789-00")
	studentsAddCmd.Flags().String("number", "", "School registration number")

	studentsEditCmd.Flags().String("name", "", "Full name")
	studentsEditCmd.Flags().String("phone", "", "Phone, formatted (11) 91234-5678")
	studentsEditCmd.Flags().String("cpf", "", "CPF, formatted 123.456.789-00 (empty to clear)")
	studentsEditCmd.Flags().String("number", "", "School registration number (empty to clear)")

	studentsCmd.AddCommand(studentsListCmd, studentsAddCmd, studentsEditCmd, studentsRmCmd)
	rootCmd.AddCommand(studentsCmd)
}
