// Command relaylog inspects the relay's binary activity logs offline.
//
//	relaylog scan <family> <file>
//	relaylog at <file> <unix-seconds>
//	relaylog segments <file> [--from T] [--to T]
//	relaylog stats <file> [--family F]
//
// Families are events, counters, durations, chat and bot. Every command
// prints JSON and reports where and why the tolerant reader stopped.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/you/gnasty-relay/internal/eventlog"
	"github.com/you/gnasty-relay/internal/httpapi"
	"github.com/you/gnasty-relay/internal/version"
)

const usage = `usage:
  relaylog scan <events|counters|durations|chat|bot> <file>
  relaylog at <counter-file> <unix-seconds>
  relaylog segments <activity-file> [--from T] [--to T]
  relaylog stats <file> [--family F]
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:], os.Stdout, time.Now()); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "relaylog: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, now time.Time) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "version", "--version":
		_, err := fmt.Fprintf(out, "relaylog version: %s (commit %s)\n", version.Version, version.Commit)
		return err
	case "scan":
		if len(args) != 3 {
			return errUsage
		}
		return scan(out, args[1], args[2])
	case "at":
		if len(args) != 3 {
			return errUsage
		}
		return valueAt(out, args[1], args[2])
	case "segments":
		return segments(out, args[1:], now)
	case "stats":
		return stats(out, args[1:], now)
	default:
		return errUsage
	}
}

type report struct {
	File    string `json:"file"`
	Family  string `json:"family"`
	Records int    `json:"records"`
	Stop    string `json:"stop"`
	Offset  int64  `json:"offset"`
	Data    any    `json:"data,omitempty"`
}

func newReport[T any](path, family string, res eventlog.Result[T], data any) report {
	return report{
		File:    path,
		Family:  family,
		Records: len(res.Records),
		Stop:    res.Stop.String(),
		Offset:  res.Offset,
		Data:    data,
	}
}

// familyOf guesses a family from the file names a store uses.
func familyOf(path string) string {
	switch filepath.Base(path) {
	case eventlog.EventsFile:
		return "events"
	case eventlog.DurationsFile:
		return "durations"
	case eventlog.ChatFile:
		return "chat"
	case eventlog.BotFile:
		return "bot"
	default:
		return "counters"
	}
}

func scan(out io.Writer, family, path string) error {
	var rep report
	switch family {
	case "events":
		res, err := eventlog.ReadFile(path, eventlog.DecodeEvents)
		if err != nil {
			return err
		}
		rep = newReport(path, family, res, res.Records)
	case "counters":
		res, err := eventlog.ReadFile(path, eventlog.DecodeCounters)
		if err != nil {
			return err
		}
		rep = newReport(path, family, res, res.Records)
	case "durations":
		res, err := eventlog.ReadFile(path, eventlog.DecodeDurations)
		if err != nil {
			return err
		}
		rep = newReport(path, family, res, res.Records)
	case "chat":
		res, err := eventlog.ReadFile(path, eventlog.DecodeChatActivity)
		if err != nil {
			return err
		}
		rep = newReport(path, family, res, res.Records)
	case "bot":
		res, err := eventlog.ReadFile(path, eventlog.DecodeBotSessions)
		if err != nil {
			return err
		}
		rep = newReport(path, family, res, res.Records)
	default:
		return fmt.Errorf("%w: unknown family %q", errUsage, family)
	}
	return writeJSON(out, rep)
}

func valueAt(out io.Writer, path, rawT string) error {
	sec, err := strconv.ParseInt(rawT, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: time must be unix seconds", errUsage)
	}
	t := time.Unix(sec, 0).UTC()
	res, err := eventlog.ReadFile(path, eventlog.DecodeCounters)
	if err != nil {
		return err
	}
	rec, ok := eventlog.ValueAt(res.Records, t)
	data := map[string]any{"at": t, "found": ok}
	if ok {
		data["time"] = rec.Time
		data["value"] = rec.Value
	}
	return writeJSON(out, newReport(path, "counters", res, data))
}

func segments(out io.Writer, args []string, now time.Time) error {
	fs := pflag.NewFlagSet("segments", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	from := fs.String("from", "", "window start: RFC3339, unix seconds or a duration ago")
	to := fs.String("to", "", "window end")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return errUsage
	}
	path := fs.Arg(0)

	values := url.Values{}
	if *from != "" {
		values.Set("from", *from)
	}
	if *to != "" {
		values.Set("to", *to)
	}
	filters, err := httpapi.ParseFilters(values, now)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	res, err := eventlog.ReadFile(path, eventlog.DecodeEvents)
	if err != nil {
		return err
	}
	segs := eventlog.BuildSegments(res.Records, filters.Window())
	totals := make(map[string]float64)
	for game, d := range eventlog.GameTotals(segs) {
		totals[game] = d.Seconds()
	}
	return writeJSON(out, newReport(path, "events", res, map[string]any{
		"segments":     segs,
		"game_seconds": totals,
	}))
}

func stats(out io.Writer, args []string, now time.Time) error {
	fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	family := fs.String("family", "", "record family; guessed from the file name when empty")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return errUsage
	}
	path := fs.Arg(0)
	if *family == "" {
		*family = familyOf(path)
	}

	var rep report
	switch *family {
	case "events":
		res, err := eventlog.ReadFile(path, eventlog.DecodeEvents)
		if err != nil {
			return err
		}
		sessions := eventlog.Sessions(res.Records)
		var live time.Duration
		for _, s := range sessions {
			live += s.Duration
		}
		rep = newReport(path, *family, res, map[string]any{
			"sessions":       len(sessions),
			"live_seconds":   live.Seconds(),
			"distinct_games": eventlog.DistinctGames(eventlog.BuildSegments(res.Records, eventlog.Window{End: now})),
		})
	case "counters":
		res, err := eventlog.ReadFile(path, eventlog.DecodeCounters)
		if err != nil {
			return err
		}
		s := eventlog.SummarizeCounters(res.Records)
		rep = newReport(path, *family, res, map[string]any{
			"count": s.Count,
			"min":   s.Min,
			"max":   s.Max,
			"avg":   s.Avg(),
			"delta": s.Delta(),
		})
	case "durations":
		res, err := eventlog.ReadFile(path, eventlog.DecodeDurations)
		if err != nil {
			return err
		}
		s := eventlog.SummarizeDurations(res.Records)
		rep = newReport(path, *family, res, map[string]any{
			"count":           s.Count,
			"total_seconds":   s.Total.Seconds(),
			"avg_seconds":     s.Avg().Seconds(),
			"longest_seconds": s.Longest.Seconds(),
		})
	case "chat":
		res, err := eventlog.ReadFile(path, eventlog.DecodeChatActivity)
		if err != nil {
			return err
		}
		rep = newReport(path, *family, res, eventlog.SummarizeChat(res.Records))
	case "bot":
		res, err := eventlog.ReadFile(path, eventlog.DecodeBotSessions)
		if err != nil {
			return err
		}
		rep = newReport(path, *family, res, map[string]any{
			"uptime_seconds": eventlog.Uptime(res.Records, now).Seconds(),
		})
	default:
		return fmt.Errorf("%w: unknown family %q", errUsage, *family)
	}
	return writeJSON(out, rep)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
