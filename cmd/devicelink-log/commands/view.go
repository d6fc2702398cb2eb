// Package commands implements the devicelink-log CLI commands.
package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/devicelink/devicelink-go/pkg/log"
)

// ViewFilter specifies criteria for filtering events in the view command.
type ViewFilter struct {
	Layer     *log.Layer
	Direction *log.Direction
	Category  *log.Category
	LinkName  string
}

func (f ViewFilter) logFilter() log.Filter {
	return log.Filter{
		Layer:     f.Layer,
		Direction: f.Direction,
		Category:  f.Category,
		LinkName:  f.LinkName,
	}
}

// eventType returns a short label for the event payload.
func eventType(event log.Event) string {
	switch {
	case event.Message != nil:
		return "Transfer"
	case event.Settlement != nil:
		return "Settlement"
	case event.StateChange != nil:
		return "State"
	case event.Token != nil:
		if event.Token.StatusCode != nil {
			return "TokenResponse"
		}
		return "TokenRequest"
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [conn:id] DIRECTION LAYER Type link
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s", ts, shortenConnID(event.ConnectionID),
		event.Direction.String(), event.Layer.String(), eventType(event))
	if event.LinkName != "" {
		fmt.Fprintf(w, " link=%s", event.LinkName)
	}
	fmt.Fprintln(w)

	if event.Address != "" {
		fmt.Fprintf(w, "  Address: %s\n", event.Address)
	}

	switch {
	case event.Message != nil:
		formatMessageDetails(w, event.Message)
	case event.Settlement != nil:
		formatSettlementDetails(w, event.Settlement)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Token != nil:
		formatTokenDetails(w, event.Token)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatMessageDetails(w io.Writer, msg *log.MessageEvent) {
	if msg.DeliveryID != 0 {
		fmt.Fprintf(w, "  DeliveryID: %d\n", msg.DeliveryID)
	}
	if msg.MessageID != "" {
		fmt.Fprintf(w, "  MessageID: %s\n", msg.MessageID)
	}
	if msg.CorrelationID != "" {
		fmt.Fprintf(w, "  CorrelationID: %s\n", msg.CorrelationID)
	}
	fmt.Fprintf(w, "  Size: %d bytes\n", msg.Size)
	if len(msg.Properties) > 0 {
		keys := make([]string, 0, len(msg.Properties))
		for k := range msg.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  Property %s: %v\n", k, msg.Properties[k])
		}
	}
}

func formatSettlementDetails(w io.Writer, s *log.SettlementEvent) {
	fmt.Fprintf(w, "  Outcome: %s\n", s.Outcome.String())
	if s.DeliveryID != 0 {
		fmt.Fprintf(w, "  DeliveryID: %d\n", s.DeliveryID)
	}
	if s.MessageID != "" {
		fmt.Fprintf(w, "  MessageID: %s\n", s.MessageID)
	}
	if s.Latency != nil {
		fmt.Fprintf(w, "  Latency: %s\n", formatDuration(*s.Latency))
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatTokenDetails(w io.Writer, tok *log.TokenEvent) {
	fmt.Fprintf(w, "  Audience: %s\n", tok.Audience)
	fmt.Fprintf(w, "  RequestID: %s\n", tok.RequestID)
	if tok.StatusCode != nil {
		fmt.Fprintf(w, "  Status: %d", *tok.StatusCode)
		if tok.Description != "" {
			fmt.Fprintf(w, " (%s)", tok.Description)
		}
		fmt.Fprintln(w)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Kind != "" {
		fmt.Fprintf(w, "  Kind: %s\n", err.Kind)
	}
	if err.Condition != "" {
		fmt.Fprintf(w, "  Condition: %s\n", err.Condition)
	}
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// ParseLayerFlag parses a layer name (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "connection":
		return log.LayerConnection, nil
	case "link":
		return log.LayerLink, nil
	case "cbs":
		return log.LayerCBS, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be connection, link, or cbs)", s)
	}
}

// ParseDirectionFlag parses a direction name (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category name (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "settlement":
		return log.CategorySettlement, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	case "token":
		return log.CategoryToken, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, settlement, state, error, or token)", s)
	}
}

// RunView executes the view command.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter.logFilter())
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
}
