package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/taskpersist/pkg/config"
	"github.com/cuemby/taskpersist/pkg/log"
	"github.com/cuemby/taskpersist/pkg/taskstore"
	"github.com/cuemby/taskpersist/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "taskpersistctl",
	Short:   "Operate a cross-session task persistence store",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("taskpersistctl %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (defaults built in if unset)")
	rootCmd.PersistentFlags().String("data-dir", "", "Override persistence_directory from config")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(createCmd, getCmd, updateCmd, listCmd, deleteCmd, backupCmd, restoreCmd, statsCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// loadConfig resolves the effective config from --config/--data-dir. It
// does not open a TaskStore.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	if path != "" {
		c, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = config.Default()
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.PersistenceDirectory = dir
	}
	return cfg, nil
}

// openStore constructs a TaskStore for the lifetime of a single CLI
// invocation. Each invocation registers and terminates its own session,
// mirroring a short-lived client process rather than a long-running server.
func openStore(cmd *cobra.Command) (*taskstore.TaskStore, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	ts, err := taskstore.New(cfg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open task store: %w", err)
	}
	stopHooks := registerShutdownHooks(ts)
	return ts, func() {
		stopHooks()
		if err := ts.Shutdown(true); err != nil {
			log.Errorf("shutdown failed", err)
		}
	}, nil
}

// registerShutdownHooks installs SIGINT/SIGTERM handlers that take a
// best-effort emergency checkpoint before the process dies, per spec.md §9's
// design note: the library itself never installs global signal handlers, so
// the owning binary is responsible for wiring them up. Returns a function
// that disarms the handlers for a normal, graceful exit.
func registerShutdownHooks(ts *taskstore.TaskStore) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			log.Warn(fmt.Sprintf("received %s, taking emergency checkpoint before exit", sig))
			ts.EmergencyCheckpoint()
			os.Exit(1)
		case <-done:
		}
	}()
	return func() {
		close(done)
		signal.Stop(sigCh)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var createCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, closeFn, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		description, _ := cmd.Flags().GetString("description")
		taskType, _ := cmd.Flags().GetString("type")
		priority, _ := cmd.Flags().GetInt("priority")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		deps, _ := cmd.Flags().GetStringSlice("depends-on")

		task, err := ts.Create(types.TaskDraft{
			Name:         args[0],
			Description:  description,
			Type:         taskType,
			Priority:     priority,
			Tags:         tags,
			Dependencies: deps,
		})
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		fmt.Printf("✓ Task created: %s\n", task.ID)
		return printJSON(task)
	},
}

var getCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Fetch a task by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, closeFn, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		task, err := ts.Get(args[0])
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}
		if task == nil {
			return fmt.Errorf("task %s not found", args[0])
		}
		return printJSON(task)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Apply a partial update to a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, closeFn, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		var patch types.TaskPatch
		if v, _ := cmd.Flags().GetString("name"); v != "" {
			patch.Name = &v
		}
		if v, _ := cmd.Flags().GetString("description"); cmd.Flags().Changed("description") {
			patch.Description = &v
		}
		if v, _ := cmd.Flags().GetString("status"); v != "" {
			s := types.TaskStatus(v)
			patch.Status = &s
		}
		if cmd.Flags().Changed("priority") {
			v, _ := cmd.Flags().GetInt("priority")
			patch.Priority = &v
		}
		if cmd.Flags().Changed("tag") {
			patch.Tags, _ = cmd.Flags().GetStringSlice("tag")
		}
		if cmd.Flags().Changed("depends-on") {
			patch.Dependencies, _ = cmd.Flags().GetStringSlice("depends-on")
		}
		if cmd.Flags().Changed("expected-version") {
			v, _ := cmd.Flags().GetInt("expected-version")
			patch.ExpectedVersion = &v
		}

		task, err := ts.Update(args[0], patch)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		fmt.Printf("✓ Task updated: %s (version %d)\n", task.ID, task.Version)
		return printJSON(task)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, closeFn, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := ts.Delete(args[0]); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		fmt.Printf("✓ Task deleted: %s\n", args[0])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, closeFn, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		var filter types.Filter
		if statuses, _ := cmd.Flags().GetStringSlice("status"); len(statuses) > 0 {
			for _, s := range statuses {
				filter.Status = append(filter.Status, types.TaskStatus(s))
			}
		}
		filter.Tag, _ = cmd.Flags().GetString("tag")
		filter.IDSubstring, _ = cmd.Flags().GetString("id-contains")

		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")
		sortField, _ := cmd.Flags().GetString("sort")

		result, err := ts.List(filter, types.Sort{Field: sortField}, types.Page{Page: page, Limit: limit})
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}

		if len(result.Items) == 0 {
			fmt.Println("No tasks found")
			return nil
		}

		fmt.Printf("%-36s %-12s %-8s %s\n", "ID", "STATUS", "VERSION", "NAME")
		fmt.Println(strings.Repeat("-", 80))
		for _, t := range result.Items {
			fmt.Printf("%-36s %-12s %-8d %s\n", t.ID, t.Status, t.Version, t.Name)
		}
		fmt.Printf("\n%d of %d tasks, page %d/%d\n", len(result.Items), result.Filtered, page, result.PageCount)
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Take a manifested backup of the persisted task state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, closeFn, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		label, _ := cmd.Flags().GetString("label")
		manifest, err := ts.Backup(label)
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		fmt.Printf("✓ Backup created: %s (%d files)\n", manifest.ID, len(manifest.Files))
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore BACKUP_ID",
	Short: "Restore task state from a prior backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, closeFn, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		report, err := ts.Restore(args[0])
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		fmt.Printf("✓ Restored %s (%d files, pre-restore backup %s)\n", report.BackupID, report.FilesRestored, report.PreRestoreID)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task, session, cache, and integrity counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, closeFn, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		stats, err := ts.Stats()
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		return printJSON(stats)
	},
}

func init() {
	createCmd.Flags().String("description", "", "Task description")
	createCmd.Flags().String("type", "", "Task type")
	createCmd.Flags().Int("priority", 0, "Task priority")
	createCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")
	createCmd.Flags().StringSlice("depends-on", nil, "Dependency task ID (repeatable)")

	updateCmd.Flags().String("name", "", "New name")
	updateCmd.Flags().String("description", "", "New description")
	updateCmd.Flags().String("status", "", "New status (pending, running, completed, failed, cancelled)")
	updateCmd.Flags().Int("priority", 0, "New priority")
	updateCmd.Flags().StringSlice("tag", nil, "Replacement tag set (repeatable)")
	updateCmd.Flags().StringSlice("depends-on", nil, "Replacement dependency set (repeatable)")
	updateCmd.Flags().Int("expected-version", 0, "Reject the update unless the stored version matches")

	listCmd.Flags().StringSlice("status", nil, "Filter by status (repeatable)")
	listCmd.Flags().String("tag", "", "Filter by tag")
	listCmd.Flags().String("id-contains", "", "Filter by ID substring")
	listCmd.Flags().String("sort", "updated_at", "Sort field (priority, status, updated_at, name, created_at)")
	listCmd.Flags().Int("page", 1, "Page number")
	listCmd.Flags().Int("limit", 20, "Page size")

	backupCmd.Flags().String("label", "manual", "Human-readable backup label")
}
