package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/devicelink/devicelink-go/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Outcomes          map[log.Outcome]int
	Connections       map[string]*ConnectionStats
	Errors            map[string]int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}

	// Settlement latency of outgoing transfers
	latencies []time.Duration
}

// ConnectionStats holds statistics for a single connection.
type ConnectionStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int
	Host      string
	Links     map[string]int
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := newStats()
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}

	printStats(w, stats)
	return nil
}

func newStats() *Stats {
	return &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Outcomes:          make(map[log.Outcome]int),
		Connections:       make(map[string]*ConnectionStats),
		Errors:            make(map[string]int),
	}
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	conn, ok := s.Connections[event.ConnectionID]
	if !ok {
		conn = &ConnectionStats{
			FirstSeen: event.Timestamp,
			LastSeen:  event.Timestamp,
			Links:     make(map[string]int),
		}
		s.Connections[event.ConnectionID] = conn
	}
	conn.Events++
	if event.Timestamp.After(conn.LastSeen) {
		conn.LastSeen = event.Timestamp
	}
	if event.Host != "" && conn.Host == "" {
		conn.Host = event.Host
	}
	if event.LinkName != "" {
		conn.Links[event.LinkName]++
	}

	if st := event.Settlement; st != nil {
		s.Outcomes[st.Outcome]++
		if st.Latency != nil {
			s.latencies = append(s.latencies, *st.Latency)
		}
	}
	if event.Error != nil {
		kind := event.Error.Kind
		if kind == "" {
			kind = "UNKNOWN"
		}
		s.Errors[kind]++
	}
}

// percentile returns the p-th percentile (0..1) of the recorded latencies.
func (s *Stats) percentile(p float64) time.Duration {
	if len(s.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), s.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== devicelink Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerConnection, log.LayerLink, log.LayerCBS} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategorySettlement, log.CategoryState, log.CategoryError, log.CategoryToken} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}

	if len(stats.Outcomes) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Settlements:")
		for _, o := range []log.Outcome{log.OutcomeAccepted, log.OutcomeRejected, log.OutcomeReleased, log.OutcomeFailed} {
			if count := stats.Outcomes[o]; count > 0 {
				fmt.Fprintf(w, "  %-12s %d\n", o.String()+":", count)
			}
		}
		if len(stats.latencies) > 0 {
			fmt.Fprintf(w, "  Latency p50 %s, p99 %s\n",
				formatDuration(stats.percentile(0.5)), formatDuration(stats.percentile(0.99)))
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))
	if len(stats.Connections) > 0 {
		type connInfo struct {
			id    string
			stats *ConnectionStats
		}
		conns := make([]connInfo, 0, len(stats.Connections))
		for id, cs := range stats.Connections {
			conns = append(conns, connInfo{id, cs})
		}
		sort.Slice(conns, func(i, j int) bool {
			return conns[i].stats.FirstSeen.Before(conns[j].stats.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, c := range conns {
			duration := c.stats.LastSeen.Sub(c.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, duration %s\n", shortenConnID(c.id), c.stats.Events, duration)
			if c.stats.Host != "" {
				fmt.Fprintf(w, "           Host: %s\n", c.stats.Host)
			}
			for _, name := range sortedKeys(c.stats.Links) {
				fmt.Fprintf(w, "           Link %s: %d events\n", name, c.stats.Links[name])
			}
		}
	}

	if len(stats.Errors) > 0 {
		total := 0
		for _, n := range stats.Errors {
			total += n
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", total)
		for _, kind := range sortedKeys(stats.Errors) {
			fmt.Fprintf(w, "  %-24s %d\n", kind+":", stats.Errors[kind])
		}
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
