package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

var (
	sampleDir  string
	sampleSeed uint64
)

var sampledbCmd = &cobra.Command{
	Use:   "sampledb",
	Short: "Generate the sample employees database",
	Long: `sampledb creates employees.db in the data directory with seeded
departments, employees and projects, so the bundled SQL tool server has
something to query.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(sampleDir, "employees.db")
		if _, err := os.Stat(path); err == nil {
			return errors.Newf("%s already exists, remove it first", path)
		}
		if err := os.MkdirAll(sampleDir, 0o755); err != nil {
			return errors.WithStack(err)
		}

		db, err := sql.Open("sqlite", path)
		if err != nil {
			return errors.WithStack(err)
		}
		defer func() { _ = db.Close() }()

		counts, err := generateSampleDB(db, gofakeit.New(sampleSeed))
		if err != nil {
			_ = os.Remove(path)
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "created %s\n", path)
		fmt.Fprintf(out, "  - %d departments\n", counts.departments)
		fmt.Fprintf(out, "  - %d employees\n", counts.employees)
		fmt.Fprintf(out, "  - %d projects\n", counts.projects)
		fmt.Fprintf(out, "  - %d project assignments\n", counts.assignments)
		return nil
	},
}

func init() {
	sampledbCmd.Flags().StringVar(&sampleDir, "dir", "data", "directory for employees.db")
	sampledbCmd.Flags().Uint64Var(&sampleSeed, "seed", 0, "seed for reproducible data, 0 picks a random one")
}

var sampleDDL = []string{
	`CREATE TABLE department (
		department_id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		budget REAL,
		location TEXT
	)`,
	`CREATE TABLE employee (
		employee_id INTEGER PRIMARY KEY AUTOINCREMENT,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		email TEXT UNIQUE NOT NULL,
		phone TEXT,
		hire_date DATE NOT NULL,
		job_title TEXT,
		salary REAL,
		department_id INTEGER,
		manager_id INTEGER,
		FOREIGN KEY (department_id) REFERENCES department(department_id),
		FOREIGN KEY (manager_id) REFERENCES employee(employee_id)
	)`,
	`CREATE TABLE project (
		project_id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT,
		start_date DATE,
		end_date DATE,
		budget REAL,
		department_id INTEGER,
		FOREIGN KEY (department_id) REFERENCES department(department_id)
	)`,
	`CREATE TABLE employee_project (
		employee_id INTEGER,
		project_id INTEGER,
		role TEXT,
		hours_allocated INTEGER,
		PRIMARY KEY (employee_id, project_id),
		FOREIGN KEY (employee_id) REFERENCES employee(employee_id),
		FOREIGN KEY (project_id) REFERENCES project(project_id)
	)`,
}

var sampleDepartments = []struct {
	name     string
	budget   float64
	location string
}{
	{"Engineering", 1500000, "San Francisco"},
	{"Sales", 800000, "New York"},
	{"Marketing", 600000, "Los Angeles"},
	{"HR", 400000, "Chicago"},
	{"Finance", 700000, "Boston"},
	{"Operations", 900000, "Seattle"},
}

var sampleProjects = []string{
	"Website Redesign", "Mobile App Development", "Data Migration",
	"Security Audit", "Marketing Campaign", "Product Launch",
	"Infrastructure Upgrade", "Customer Portal", "Analytics Dashboard",
	"API Development", "Training Program", "Cost Reduction Initiative",
}

const sampleEmployees = 50

type sampleCounts struct {
	departments int
	employees   int
	projects    int
	assignments int
}

// generateSampleDB fills an empty database with the sample HR data set.
func generateSampleDB(db *sql.DB, f *gofakeit.Faker) (*sampleCounts, error) {
	for _, ddl := range sampleDDL {
		if _, err := db.Exec(ddl); err != nil {
			return nil, errors.WithMessage(err, "failed to create schema")
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback() }()

	counts := &sampleCounts{}
	for _, d := range sampleDepartments {
		if _, err := tx.Exec(
			`INSERT INTO department (name, budget, location) VALUES (?, ?, ?)`,
			d.name, d.budget, d.location); err != nil {
			return nil, errors.WithStack(err)
		}
		counts.departments++
	}

	hiredFrom := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	hiredTo := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= sampleEmployees; i++ {
		first := f.FirstName()
		last := f.LastName()
		email := fmt.Sprintf("%s.%s%d@company.com", strings.ToLower(first), strings.ToLower(last), i)
		// Most employees report to an earlier hire; ids stay acyclic.
		var managerID any
		if i > 5 && f.IntRange(0, 9) >= 3 {
			managerID = f.IntRange(1, i-1)
		}
		if _, err := tx.Exec(
			`INSERT INTO employee (first_name, last_name, email, phone, hire_date, job_title, salary, department_id, manager_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			first, last, email, f.Phone(),
			f.DateRange(hiredFrom, hiredTo).Format("2006-01-02"),
			f.JobTitle(),
			f.IntRange(50000, 200000),
			f.IntRange(1, len(sampleDepartments)),
			managerID); err != nil {
			return nil, errors.WithStack(err)
		}
		counts.employees++
	}

	for _, name := range sampleProjects {
		start := f.DateRange(hiredFrom, hiredTo)
		end := start.AddDate(0, 0, f.IntRange(30, 365))
		if _, err := tx.Exec(
			`INSERT INTO project (name, description, start_date, end_date, budget, department_id)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			name, "Project for "+strings.ToLower(name),
			start.Format("2006-01-02"), end.Format("2006-01-02"),
			f.IntRange(50000, 500000),
			f.IntRange(1, len(sampleDepartments))); err != nil {
			return nil, errors.WithStack(err)
		}
		counts.projects++
	}

	roles := []string{"Developer", "Lead", "Tester", "Analyst", "Coordinator"}
	ids := make([]int, sampleEmployees)
	for i := range ids {
		ids[i] = i + 1
	}
	for projectID := 1; projectID <= len(sampleProjects); projectID++ {
		f.ShuffleInts(ids)
		for _, empID := range ids[:f.IntRange(3, 8)] {
			if _, err := tx.Exec(
				`INSERT INTO employee_project (employee_id, project_id, role, hours_allocated)
				 VALUES (?, ?, ?, ?)`,
				empID, projectID, f.RandomString(roles), f.IntRange(20, 160)); err != nil {
				return nil, errors.WithStack(err)
			}
			counts.assignments++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.WithStack(err)
	}
	return counts, nil
}
