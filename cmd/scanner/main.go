package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rollcall/internal/attendance"
	"rollcall/internal/capture"
	"rollcall/internal/config"
	"rollcall/internal/roster"
	"rollcall/internal/store"
)

// Scanner is the operator console: it acquires a capture device, runs one
// capture session against a class and date, and prints the reconciled
// roster on exit. With -device=stdin a USB scanner in keyboard-wedge mode
// (or a human pasting tokens) feeds the session directly.
func main() {
	var (
		classID   = flag.String("class", "", "class id to take attendance for (required)")
		dateStr   = flag.String("date", time.Now().UTC().Format("2006-01-02"), "attendance date (YYYY-MM-DD)")
		deviceStr = flag.String("device", "stdin", "capture device: stdin or gateway")
		operator  = flag.String("operator", "console", "operator id recorded as takenBy")
		autoMark  = flag.Bool("auto", true, "confirm scans as present automatically")
		exportCSV = flag.String("export", "", "write the reconciled roster as CSV to this file on exit")
	)
	flag.Parse()
	if *classID == "" {
		flag.Usage()
		os.Exit(2)
	}
	date, err := time.Parse("2006-01-02", *dateStr)
	if err != nil {
		log.Fatalf("bad -date: %v", err)
	}

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	mongoDB, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		log.Fatalf("mongo connect failed: %v", err)
	}
	defer func() { _ = mongoDB.Close(context.Background()) }()

	dir := roster.NewRepository(mongoDB.DB)
	svc := attendance.NewService(attendance.NewMongoRepository(mongoDB.DB), dir)

	enrolled, err := dir.ListEnrolled(ctx, *classID)
	if err != nil {
		log.Fatalf("roster fetch failed: %v", err)
	}
	if len(enrolled) == 0 {
		log.Printf("warning: no students enrolled in %s", *classID)
	}
	view := capture.NewView(*classID, date, enrolled)

	var dev capture.Device
	switch *deviceStr {
	case "stdin":
		dev = capture.NewLineDevice(os.Stdin)
	case "gateway":
		gw := capture.NewGatewayDevice(cfg.GatewayURL, cfg.GatewayStub)
		if err := gw.Health(ctx); err != nil {
			log.Printf("warning: scanner gateway not healthy: %v", err)
		}
		dev = gw
	default:
		log.Fatalf("unknown -device %q", *deviceStr)
	}

	var sess *capture.Session
	sess = capture.NewSession(dev, svc, *classID, date, *operator, capture.Options{
		ResumeDelay: cfg.ScanResumeDelay,
		View:        view,
		OnChange: func(c capture.Change) {
			switch c.State {
			case capture.StateSuccess:
				if c.Pending != nil {
					fmt.Printf("scanned: %s (%s), fees %s\n", c.Pending.Student.Name, c.Pending.Student.StudentID, c.Pending.FeeStatus)
				}
				if *autoMark {
					// Confirm from outside the session loop.
					go func() {
						if err := sess.Confirm(attendance.StatusPresent, ""); err != nil {
							log.Printf("confirm failed: %v", err)
						}
					}()
				} else {
					fmt.Println("pending confirmation; press enter a token or stop")
				}
			case capture.StateWarning, capture.StateError:
				fmt.Printf("[%s] %s\n", c.State, c.Message)
			case capture.StateStopped:
				fmt.Println("session stopped")
			}
		},
	})

	if err := sess.Start(ctx); err != nil {
		log.Fatalf("capture session failed to start: %v", err)
	}
	defer sess.Stop()
	log.Printf("scanning for class %s on %s, ctrl-c to stop", *classID, *dateStr)

	<-sigCh
	sess.Stop()

	printSummary(view)
	if *exportCSV != "" {
		f, err := os.Create(*exportCSV)
		if err != nil {
			log.Fatalf("export failed: %v", err)
		}
		defer f.Close()
		if err := view.WriteCSV(f); err != nil {
			log.Fatalf("export failed: %v", err)
		}
		log.Printf("exported roster to %s", *exportCSV)
	}
}

func printSummary(view *capture.View) {
	fmt.Println("\nroster:")
	for _, row := range view.Rows() {
		status := string(row.Status)
		if row.Unmarked {
			status = "not marked"
		}
		fmt.Printf("  %-24s %-10s %s\n", row.Name, row.StudentID, status)
	}
}
