// Package sheets keeps an operator-readable activity log as an xlsx
// workbook: one tab each for sent messages, new followers, comments,
// errors and broadcasts, plus a general Events tab.
//
// Rows are buffered from the event bus and appended on an interval, so
// the hot paths never touch the file.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"leadbot/internal/eventbus"
	"leadbot/pkg/logx"
)

const (
	TabEvents       = "Events"
	TabSentMessages = "SentMessages"
	TabNewFollowers = "NewFollowers"
	TabComments     = "Comments"
	TabErrors       = "Errors"
	TabBroadcasts   = "Broadcasts"
)

var tabs = []string{TabEvents, TabSentMessages, TabNewFollowers, TabComments, TabErrors, TabBroadcasts}

var headers = map[string][]string{
	TabEvents:       {"Timestamp", "Type", "Description", "Details"},
	TabSentMessages: {"Timestamp", "Username", "User ID", "Post ID", "Rule ID", "Status", "Message Preview"},
	TabNewFollowers: {"Timestamp", "Username", "User ID", "Welcome Sent", "Message Preview"},
	TabComments:     {"Timestamp", "Post", "Username", "User ID", "Comment Text", "Matched Keyword", "Action Taken"},
	TabErrors:       {"Timestamp", "Component", "Error Type", "Message", "Details"},
	TabBroadcasts:   {"Timestamp", "Broadcast ID", "Name", "Total Users", "Sent", "Failed", "Status"},
}

const (
	timeLayout   = "2006-01-02 15:04:05"
	previewLen   = 100
	maxBuffered  = 1000
	defaultFlush = 30 * time.Second
)

type Config struct {
	Path          string
	FlushInterval time.Duration
}

type Logger struct {
	path  string
	flush time.Duration
	log   logx.Logger

	mu      sync.Mutex
	pending map[string][][]any
	count   int
}

func New(cfg Config, log logx.Logger) (*Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("sheets path is empty")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlush
	}
	return &Logger{
		path:    cfg.Path,
		flush:   cfg.FlushInterval,
		log:     log,
		pending: map[string][][]any{},
	}, nil
}

// Record buffers the rows for one event. It reports whether the buffer is
// large enough to be flushed early.
func (l *Logger) Record(e eventbus.Event) bool {
	ts := e.Time.Format(timeLayout)
	var tab string
	var row []any

	switch d := e.Data.(type) {
	case eventbus.Delivery:
		tab = TabSentMessages
		row = []any{ts, d.Username, d.RecipientID, idOrEmpty(d.PostID), idOrEmpty(d.RuleID), d.Status, preview(d.Text)}
		if d.Error != "" {
			row[6] = preview(d.Error)
		}
	case eventbus.Welcome:
		tab = TabNewFollowers
		sent := "No"
		if d.Status == "sent" {
			sent = "Yes"
		}
		row = []any{ts, d.Username, d.UserID, sent, preview(d.Text)}
	case eventbus.Comment:
		tab = TabComments
		row = []any{ts, d.PostCode, d.Username, d.UserID, preview(d.Text), d.Keyword, d.Action}
	case eventbus.Error:
		tab = TabErrors
		row = []any{ts, d.Component, "error", d.Message, ""}
	case eventbus.BroadcastStatus:
		tab = TabBroadcasts
		row = []any{ts, d.BroadcastID, d.Name, d.Total, d.Sent, d.Failed, d.Status}
	case eventbus.BroadcastSend:
		tab = TabEvents
		row = []any{ts, "broadcast_send", fmt.Sprintf("Broadcast #%d to %s: %s", d.BroadcastID, d.Username, d.Status), d.Error}
	case eventbus.CapReached:
		tab = TabEvents
		row = []any{ts, "cap_reached", d.Component + " hourly cap reached", fmt.Sprintf("%d/%d", d.Count, d.Limit)}
	default:
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[tab] = append(l.pending[tab], row)
	l.count++
	return l.count >= maxBuffered
}

func idOrEmpty(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func preview(s string) string {
	rs := []rune(s)
	if len(rs) <= previewLen {
		return s
	}
	return string(rs[:previewLen]) + "..."
}

// Flush appends every buffered row to the workbook. On failure the rows
// stay buffered for the next attempt.
func (l *Logger) Flush() error {
	l.mu.Lock()
	pending := l.pending
	n := l.count
	l.pending = map[string][][]any{}
	l.count = 0
	l.mu.Unlock()
	if n == 0 {
		return nil
	}

	if err := l.write(pending); err != nil {
		l.mu.Lock()
		for tab, rows := range pending {
			l.pending[tab] = append(rows, l.pending[tab]...)
		}
		l.count += n
		l.mu.Unlock()
		return err
	}
	l.log.Debug("sheets flushed", logx.Int("rows", n))
	return nil
}

func (l *Logger) write(pending map[string][][]any) error {
	f, err := l.open()
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	for _, tab := range tabs {
		rows := pending[tab]
		if len(rows) == 0 {
			continue
		}
		existing, err := f.GetRows(tab)
		if err != nil {
			return fmt.Errorf("read %s: %w", tab, err)
		}
		next := len(existing) + 1
		for _, row := range rows {
			cell, err := excelize.CoordinatesToCellName(1, next)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(tab, cell, &row); err != nil {
				return fmt.Errorf("write %s: %w", tab, err)
			}
			next++
		}
	}
	return f.SaveAs(l.path)
}

// open loads the workbook or creates it, making sure every tab exists
// with its header row.
func (l *Logger) open() (*excelize.File, error) {
	var f *excelize.File
	if _, err := os.Stat(l.path); err == nil {
		if f, err = excelize.OpenFile(l.path); err != nil {
			return nil, fmt.Errorf("open workbook: %w", err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
			return nil, err
		}
		f = excelize.NewFile()
		if err := f.SetSheetName(f.GetSheetName(0), tabs[0]); err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := setHeader(f, tabs[0]); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	for _, tab := range tabs {
		idx, err := f.GetSheetIndex(tab)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if idx >= 0 {
			continue
		}
		if _, err := f.NewSheet(tab); err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := setHeader(f, tab); err != nil {
			_ = f.Close()
			return nil, err
		}
		l.log.Info("sheet created", logx.String("tab", tab))
	}
	return f, nil
}

func setHeader(f *excelize.File, tab string) error {
	h := headers[tab]
	return f.SetSheetRow(tab, "A1", &h)
}

// Run buffers events until ctx ends or events is closed, flushing on the
// interval and once more on exit.
func (l *Logger) Run(ctx context.Context, events <-chan eventbus.Event) error {
	ticker := time.NewTicker(l.flush)
	defer ticker.Stop()
	defer func() {
		if err := l.Flush(); err != nil {
			l.log.Warn("final sheets flush failed", logx.Err(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if l.Record(e) {
				l.flushLogged()
			}
		case <-ticker.C:
			l.flushLogged()
		}
	}
}

func (l *Logger) flushLogged() {
	if err := l.Flush(); err != nil {
		l.log.Warn("sheets flush failed", logx.String("path", l.path), logx.Err(err))
	}
}
