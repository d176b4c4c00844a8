package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"ridelink/internal/api"
	"ridelink/internal/config"
	"ridelink/internal/export"
	"ridelink/internal/ride"
	"ridelink/internal/sensor"
)

func cmdInit() error {
	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", path)
	} else {
		fmt.Printf("Config already exists at %s\n", path)
	}
	return cfg.EnsureDirectories()
}

func cmdStatus(ctx context.Context) error {
	cfg := loadConfig()
	s, err := daemon(cfg).Status(ctx)
	if err != nil {
		return err
	}
	printStatus(os.Stdout, s)
	return nil
}

func printStatus(w io.Writer, s api.StatusResponse) {
	fmt.Fprintln(w, "=== ridelinkd Status ===")
	fmt.Fprintln(w)

	rec := s.Recorder
	if rec.Recording {
		fmt.Fprintf(w, "Recording: YES (%s, %s)\n", rec.RideID, rec.Duration.Round(time.Second))
		fmt.Fprintf(w, "  Locations: %d\n", rec.Locations)
		for _, kind := range rec.Kinds {
			fmt.Fprintf(w, "  %-10s %d samples\n", kind, rec.Samples[kind])
		}
	} else {
		fmt.Fprintln(w, "Recording: NO")
	}
	if rec.Pending > 0 {
		fmt.Fprintf(w, "Pending saves: %d\n", rec.Pending)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Sensor Links:")
	if len(s.Links) == 0 {
		fmt.Fprintln(w, "  (none configured)")
	}
	for _, l := range s.Links {
		fmt.Fprintf(w, "  %-10s %s\n", l.Kind, l.State)
	}
	fmt.Fprintln(w)

	if s.Unsynced != nil {
		fmt.Fprintf(w, "Unsynced rides: %d\n", *s.Unsynced)
	} else {
		fmt.Fprintf(w, "Unsynced rides: unavailable (%s)\n", s.Error)
	}
}

func cmdRides(ctx context.Context) error {
	cfg := loadConfig()
	src, done, err := rides(ctx, cfg)
	if err != nil {
		return err
	}
	defer done()

	list, err := src.Summaries(ctx)
	if err != nil {
		return err
	}
	printRides(os.Stdout, list)
	return nil
}

func printRides(w io.Writer, list []ride.Summary) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No rides recorded.")
		return
	}
	fmt.Fprintf(w, "%-36s %-20s %-10s %-10s %-6s\n", "ID", "Started", "Duration", "Distance", "Synced")
	fmt.Fprintln(w, strings.Repeat("-", 86))
	for _, s := range list {
		synced := "no"
		if s.HealthDataSynced {
			synced = "yes"
		}
		fmt.Fprintf(w, "%-36s %-20s %-10s %-10s %-6s\n",
			s.ID,
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			s.Duration.Round(time.Second),
			formatDistance(s.DistanceMeters),
			synced)
	}
	fmt.Fprintf(w, "\n%d rides\n", len(list))
}

func cmdShow(ctx context.Context, id string) error {
	cfg := loadConfig()
	src, done, err := rides(ctx, cfg)
	if err != nil {
		return err
	}
	defer done()

	r, err := src.Get(ctx, id)
	if err != nil {
		return err
	}
	printRide(os.Stdout, &r)
	return nil
}

func printRide(w io.Writer, r *ride.Ride) {
	s := r.Summarize()
	fmt.Fprintf(w, "=== Ride %s ===\n", s.ID)
	fmt.Fprintf(w, "Started:   %s\n", s.StartedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Ended:     %s\n", s.EndedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Duration:  %s\n", s.Duration.Round(time.Second))
	fmt.Fprintf(w, "Distance:  %s (%d fixes)\n", formatDistance(s.DistanceMeters), s.Locations)
	if s.HeartRateSamples > 0 {
		fmt.Fprintf(w, "Heart rate: avg %.0f bpm, max %.0f bpm (%d samples)\n", s.AvgHeartRate, s.MaxHeartRate, s.HeartRateSamples)
	}
	fmt.Fprintf(w, "Glucose:   %d samples\n", s.GlucoseSamples)
	fmt.Fprintf(w, "Heading:   %d samples\n", s.HeadingSamples)
	fmt.Fprintf(w, "Synced:    %t\n", s.HealthDataSynced)
}

func cmdUnsynced(ctx context.Context) error {
	cfg := loadConfig()
	src, done, err := rides(ctx, cfg)
	if err != nil {
		return err
	}
	defer done()

	n, err := src.UnsyncedCount(ctx)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func cmdMarkSynced(ctx context.Context, id string) error {
	cfg := loadConfig()
	src, done, err := rides(ctx, cfg)
	if err != nil {
		return err
	}
	defer done()

	if err := src.MarkSynced(ctx, id); err != nil {
		return err
	}
	fmt.Printf("Ride %s marked as synced\n", id)
	return nil
}

func cmdExport(ctx context.Context, id, output string) error {
	cfg := loadConfig()
	src, done, err := rides(ctx, cfg)
	if err != nil {
		return err
	}
	defer done()

	r, err := src.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := writeFIT(output, &r); err != nil {
		return err
	}
	fmt.Printf("Ride exported to: %s\n", output)
	return nil
}

// writeFIT writes r to path, removing the partial file on failure.
func writeFIT(path string, r *ride.Ride) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := export.WriteFIT(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("export ride %s: %w", r.ID, err)
	}
	return f.Close()
}

func cmdStart(ctx context.Context) error {
	cfg := loadConfig()
	id, err := daemon(cfg).Start(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Recording ride %s\n", id)
	return nil
}

func cmdStop(ctx context.Context) error {
	cfg := loadConfig()
	resp, err := daemon(cfg).Stop(ctx)
	if err != nil {
		return err
	}
	s := resp.Ride
	fmt.Printf("Stopped ride %s after %s, %s\n", s.ID, s.Duration.Round(time.Second), formatDistance(s.DistanceMeters))
	if !resp.Saved {
		fmt.Printf("Save failed, the daemon will retry: %s\n", resp.SaveError)
	}
	return nil
}

func cmdLink(ctx context.Context, cmd, arg string) error {
	kind, err := sensor.ParseKind(arg)
	if err != nil {
		return fmt.Errorf("%w (want one of %s)", err, kindNames())
	}
	cfg := loadConfig()
	c := daemon(cfg)

	var st api.LinkStatus
	if cmd == "connect" {
		st, err = c.Connect(ctx, string(kind))
	} else {
		st, err = c.Disconnect(ctx, string(kind))
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", st.Kind, st.State)
	return nil
}

func cmdScan(ctx context.Context) error {
	cfg := loadConfig()
	if err := daemon(cfg).Scan(ctx); err != nil {
		return err
	}
	fmt.Println("Glucose scan requested")
	return nil
}

func kindNames() string {
	names := make([]string, 0, len(sensor.Kinds))
	for _, k := range sensor.Kinds {
		names = append(names, string(k))
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}

func formatDistance(m float64) string {
	if m < 1000 {
		return fmt.Sprintf("%.0f m", m)
	}
	return fmt.Sprintf("%.2f km", m/1000)
}
