package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileLogger appends events to a JSONL file and keeps a bounded cache of
// recent events for fast queries.
type FileLogger struct {
	tenantID   string
	file       *os.File
	mu         sync.RWMutex
	eventCache []Event
	cacheSize  int
	fileOpts   FileOptions
}

type FileOptions struct {
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size,omitempty"`    // Max size in MB
	MaxBackups int    `json:"max_backups,omitempty"` // Max backup files
	MaxAge     int    `json:"max_age,omitempty"`     // Max age in days
}

// NewFileLogger creates a new file-based audit logger
func NewFileLogger(config *Config) (*FileLogger, error) {
	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}

	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}

	if fileOpts.MaxSize == 0 {
		fileOpts.MaxSize = 100 // 100MB default
	}
	if fileOpts.MaxBackups == 0 {
		fileOpts.MaxBackups = 5
	}
	if fileOpts.MaxAge == 0 {
		fileOpts.MaxAge = 30 // 30 days
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileLogger{
		tenantID:   config.TenantID,
		file:       file,
		fileOpts:   fileOpts,
		eventCache: make([]Event, 0),
		cacheSize:  1000,
	}, nil
}

// Log implements the Logger interface
func (fl *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return fl.writeEvent(buildEvent(fl.tenantID, action, success, metadata))
}

// buildEvent lifts well-known metadata keys into typed event fields
func buildEvent(tenantID, action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		Action:    action,
		Success:   success,
		Metadata:  metadata,
	}

	if metadata != nil {
		if v, ok := metadata["request_id"].(string); ok {
			event.RequestID = v
		}
		if v, ok := metadata["key_id"].(string); ok {
			event.KeyID = v
		}
		if v, ok := metadata["purpose"].(string); ok {
			event.Purpose = v
		}
		if v, ok := metadata["device_id"].(string); ok {
			event.DeviceID = v
		}
		if v, ok := metadata["error"].(string); ok {
			event.Error = v
		}
	}

	return event
}

func (fl *FileLogger) writeEvent(event Event) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	// reopen in case a previous owner closed this logger
	if err := fl.ensureFileOpen(); err != nil {
		return err
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}

	if _, err = fl.file.WriteString(string(eventJSON) + "\n"); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	if err = fl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	fl.updateCache(event)
	return nil
}

func (fl *FileLogger) updateCache(event Event) {
	fl.eventCache = append(fl.eventCache, event)
	if len(fl.eventCache) > fl.cacheSize {
		fl.eventCache = fl.eventCache[len(fl.eventCache)-fl.cacheSize:]
	}
}

// Query implements the Logger interface
func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	if fl.canUseCacheForQuery(options) {
		return fl.queryFromCache(options), nil
	}

	return fl.queryFromFile(options)
}

func (fl *FileLogger) canUseCacheForQuery(options QueryOptions) bool {
	if len(fl.eventCache) == 0 {
		return false
	}

	// Without time constraints the cache may not hold everything
	if options.Since == nil && options.Until == nil {
		return false
	}

	oldestCached := fl.eventCache[0].Timestamp
	if options.Since != nil && options.Since.Before(oldestCached) {
		return false
	}

	return true
}

func (fl *FileLogger) queryFromCache(options QueryOptions) QueryResult {
	var filtered []Event

	for _, event := range fl.eventCache {
		if matchesFilter(event, options) {
			filtered = append(filtered, event)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})

	if options.Limit > 0 && len(filtered) > options.Limit {
		filtered = filtered[:options.Limit]
	}

	return QueryResult{
		Events:     filtered,
		TotalCount: len(fl.eventCache),
		Filtered:   len(filtered),
		HasMore:    options.Limit > 0 && len(filtered) == options.Limit,
	}
}

func (fl *FileLogger) queryFromFile(options QueryOptions) (QueryResult, error) {
	files, err := fl.getAuditLogFiles()
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to get audit log files: %w", err)
	}

	var allEvents []Event
	totalCount := 0

	for _, filePath := range files {
		events, count, err := readEventsFromFile(filePath, options)
		if err != nil {
			return QueryResult{}, fmt.Errorf("failed to read events from %s: %w", filePath, err)
		}
		allEvents = append(allEvents, events...)
		totalCount += count
	}

	sort.Slice(allEvents, func(i, j int) bool {
		return allEvents[i].Timestamp.After(allEvents[j].Timestamp)
	})

	start := options.Offset
	if start > len(allEvents) {
		start = len(allEvents)
	}

	end := len(allEvents)
	if options.Limit > 0 {
		end = start + options.Limit
		if end > len(allEvents) {
			end = len(allEvents)
		}
	}

	return QueryResult{
		Events:     allEvents[start:end],
		TotalCount: totalCount,
		Filtered:   len(allEvents),
		HasMore:    end < len(allEvents),
	}, nil
}

func (fl *FileLogger) getAuditLogFiles() ([]string, error) {
	files := []string{fl.fileOpts.FilePath}

	// Rotated files: audit.log.1, audit.log.2, ...
	matches, err := filepath.Glob(fl.fileOpts.FilePath + ".*")
	if err != nil {
		return files, nil
	}

	for _, match := range matches {
		if match != fl.fileOpts.FilePath {
			files = append(files, match)
		}
	}

	return files, nil
}

func readEventsFromFile(filePath string, options QueryOptions) ([]Event, int, error) {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer file.Close()

	var events []Event
	totalCount := 0

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		totalCount++

		var event Event
		if err = json.Unmarshal([]byte(line), &event); err != nil {
			// Skip malformed lines, keep scanning
			continue
		}

		if matchesFilter(event, options) {
			events = append(events, event)
		}
	}

	if err = scanner.Err(); err != nil {
		return events, totalCount, fmt.Errorf("error reading audit log file: %w", err)
	}

	return events, totalCount, nil
}

// Close implements the Logger interface
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file != nil {
		err := fl.file.Close()
		fl.file = nil
		return err
	}
	return nil
}

func (fl *FileLogger) ensureFileOpen() error {
	if fl.file == nil {
		var err error
		fl.file, err = os.OpenFile(fl.fileOpts.FilePath,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to reopen audit log: %w", err)
		}
	}
	return nil
}

// generateEventID creates a unique event ID
func generateEventID() string {
	return fmt.Sprintf("%d_%d", time.Now().UnixNano(), os.Getpid())
}
