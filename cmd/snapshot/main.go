package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/common-nighthawk/go-figure"
	"github.com/fatih/color"

	"telegram-media-downloader/pipeline"
	"telegram-media-downloader/storage"
	"telegram-media-downloader/utils"
)

var (
	action     = flag.String("action", "", "Action to perform: list, show, export, import, prune")
	configFile = flag.String("config", ".env", "Path to config file")
	snapshotID = flag.String("id", "", "Snapshot id (default: latest)")
	file       = flag.String("file", "", "File to export to or import from (export defaults to stdout)")
	keep       = flag.Int("keep", 20, "Snapshots to keep when pruning")
	limit      = flag.Int("limit", 20, "Snapshots to list")
	quiet      = flag.Bool("quiet", false, "Skip the banner")
)

func main() {
	flag.Parse()

	if *action == "" {
		printUsage()
		os.Exit(1)
	}
	if !*quiet && *action != "export" {
		figure.NewFigure("snapshots", "", true).Print()
		fmt.Println()
	}

	config, err := utils.LoadConfig(*configFile)
	if err != nil {
		fail("Error loading config: %v", err)
	}

	db, err := storage.Open(config)
	if err != nil {
		fail("Error opening database: %v", err)
	}
	defer db.Close()

	store := storage.NewSnapshotStore(db, utils.NewDiscardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch *action {
	case "list":
		listSnapshots(ctx, store)
	case "show":
		showSnapshot(ctx, store)
	case "export":
		exportSnapshot(ctx, store)
	case "import":
		importSnapshot(ctx, store)
	case "prune":
		pruneSnapshots(ctx, store)
	default:
		color.Red("Unknown action: %s", *action)
		printUsage()
		os.Exit(1)
	}
}

func fail(format string, args ...any) {
	color.Red(format, args...)
	os.Exit(1)
}

func loadSnapshot(ctx context.Context, store *storage.SnapshotStore) *storage.SnapshotRecord {
	var (
		record *storage.SnapshotRecord
		err    error
	)
	if *snapshotID == "" {
		record, err = store.Latest(ctx)
	} else {
		record, err = store.Get(ctx, *snapshotID)
	}
	if err != nil {
		fail("Error loading snapshot: %v", err)
	}
	return record
}

func listSnapshots(ctx context.Context, store *storage.SnapshotStore) {
	records, err := store.List(ctx, *limit)
	if err != nil {
		fail("Error listing snapshots: %v", err)
	}
	if len(records) == 0 {
		color.Yellow("No snapshots stored.")
		return
	}

	bold := color.New(color.Bold)
	bold.Printf("%-36s  %-20s  %-12s  %6s  %10s\n", "ID", "CREATED", "REASON", "TASKS", "SIZE")
	for _, rec := range records {
		fmt.Printf("%-36s  %-20s  %-12s  %6d  %10s\n",
			rec.ID, rec.CreatedAt.Local().Format("2006-01-02 15:04:05"), rec.Reason, rec.TaskCount, formatBytes(int64(rec.Size)))
	}
}

func showSnapshot(ctx context.Context, store *storage.SnapshotStore) {
	record := loadSnapshot(ctx, store)
	snap, err := pipeline.DecodeSnapshot(record.Data)
	if err != nil {
		fail("Snapshot %s is not restorable: %v", record.ID, err)
	}

	color.Cyan("Snapshot %s (%s, %s)", record.ID, record.Reason, record.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Version %d, next task id %d, %d task(s)\n\n", snap.Version, snap.NextTaskID, len(snap.Tasks))

	for _, task := range snap.Tasks {
		bar := pb.New64(task.Range.Size())
		bar.SetTemplate(pb.Simple)
		bar.SetWidth(60)
		bar.SetCurrent(task.Counters.Total)
		bar.Set("prefix", fmt.Sprintf("#%-4d %-16s ", task.TaskID, task.SourceID))
		bar.Set("suffix", fmt.Sprintf(" %s", task.State))
		fmt.Println(bar.String())

		detail := fmt.Sprintf("      cursor %d, ok %d, failed %d, skipped %d, floodwaits %d",
			task.Cursor, task.Counters.Succeeded, task.Counters.Failed, task.Counters.Skipped, task.FloodwaitCount)
		if task.PauseReason != 0 {
			detail += ", paused: " + task.PauseReason.String()
		}
		fmt.Println(detail)
		if task.StopCause != "" {
			color.Yellow("      stop cause: %s", task.StopCause)
		}
	}
}

func exportSnapshot(ctx context.Context, store *storage.SnapshotStore) {
	record := loadSnapshot(ctx, store)

	var out io.Writer = os.Stdout
	if *file != "" {
		f, err := os.Create(*file)
		if err != nil {
			fail("Error creating export file: %v", err)
		}
		defer f.Close()
		out = f
	}
	if _, err := out.Write(record.Data); err != nil {
		fail("Error writing snapshot: %v", err)
	}
	if *file != "" {
		color.Green("✅ Snapshot %s exported to %s", record.ID, *file)
	}
}

func importSnapshot(ctx context.Context, store *storage.SnapshotStore) {
	if *file == "" {
		fail("Error: snapshot file must be specified with -file flag")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		fail("Error reading snapshot file: %v", err)
	}

	// Stored snapshots must be restorable, so reject anything the registry would.
	snap, err := pipeline.DecodeSnapshot(data)
	if err != nil {
		fail("Error: %v", err)
	}

	record, err := store.Save(ctx, data, snap.Version, len(snap.Tasks), "import")
	if err != nil {
		fail("Error saving snapshot: %v", err)
	}
	color.Green("✅ Imported snapshot %s with %d task(s)", record.ID, record.TaskCount)
	fmt.Println("   Restore it with /restore_state or POST /api/snapshots/restore")
}

func pruneSnapshots(ctx context.Context, store *storage.SnapshotStore) {
	if *keep < 1 {
		fail("Error: -keep must be at least 1")
	}
	removed, err := store.Prune(ctx, *keep)
	if err != nil {
		fail("Error pruning snapshots: %v", err)
	}
	color.Green("✅ Removed %d snapshot(s), kept the newest %d", removed, *keep)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func printUsage() {
	fmt.Println("Snapshot management tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  snapshot -action=<action> [options]")
	fmt.Println()
	fmt.Println("Actions:")
	fmt.Println("  list     List stored snapshots, newest first")
	fmt.Println("  show     Show the tasks in a snapshot")
	fmt.Println("  export   Write a snapshot's JSON to -file or stdout")
	fmt.Println("  import   Validate and store a snapshot from -file")
	fmt.Println("  prune    Delete all but the newest -keep snapshots")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}
