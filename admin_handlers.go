package main

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"iptv-relay/work/cache"
	"iptv-relay/work/database"
	"iptv-relay/work/logger"
	"iptv-relay/work/middleware"
	"iptv-relay/work/proxy"
	"iptv-relay/work/types"
	"iptv-relay/work/utils"

	"github.com/gorilla/mux"
)

// storeMaintenanceInterval is how often the image store is trimmed back to
// the configured cache size.
const storeMaintenanceInterval = 6 * time.Hour

// StatsResponse is the operational snapshot served by /api/stats.
type StatsResponse struct {
	Version         string                 `json:"version"`
	Uptime          string                 `json:"uptime"`
	MemoryUsage     string                 `json:"memoryUsage"`
	Goroutines      int                    `json:"goroutines"`
	ActiveRelays    int                    `json:"activeRelays"`
	Relays          []types.SessionView    `json:"relays"`
	BuffersInUse    int64                  `json:"buffersInUse"`
	ImageCache      cache.ImageStats       `json:"imageCache"`
	ResponseCache   ResponseCacheStats     `json:"responseCache"`
	CompiledFilters int                    `json:"compiledFilters"`
	WorkerPool      WorkerPoolStats        `json:"workerPool"`
	Database        map[string]interface{} `json:"database,omitempty"`
}

// ResponseCacheStats describes the playlist/portal/guide response cache.
type ResponseCacheStats struct {
	Entries  int    `json:"entries"`
	Duration string `json:"duration"`
}

// WorkerPoolStats reports ants pool usage.
type WorkerPoolStats struct {
	Running  int `json:"running"`
	Capacity int `json:"capacity"`
	Free     int `json:"free"`
}

// LogEntry is one admin event kept for /api/logs.
type LogEntry struct {
	Timestamp string `json:"timestamp"` // Human-readable timestamp of log entry creation
	Level     string `json:"level"`     // info, warn or error
	Message   string `json:"message"`
}

const maxLogEntries = 1000

var (
	// logEntries is a bounded buffer of recent admin events.
	logEntries = make([]LogEntry, 0, maxLogEntries)
	logMu      sync.Mutex
)

// setupAdminRoutes registers the admin API. db may be nil when persistence
// is disabled.
//
// Parameters:
//   - router: configured mux router for route registration
//   - sp: StreamProxy instance for API operations
//   - db: image store, or nil
func setupAdminRoutes(router *mux.Router, sp *proxy.StreamProxy, db *database.DB) {
	router.Handle("/api/health", http.HandlerFunc(handleHealth)).Methods("GET", "OPTIONS")
	router.Handle("/api/stats", middleware.GzipMiddleware(handleGetStats(sp, db))).Methods("GET", "OPTIONS")
	router.Handle("/api/cache/images", handleClearImageCache(sp, db)).Methods("DELETE", "OPTIONS")
	router.Handle("/api/cache/images/prune", handlePruneImageStore(sp, db)).Methods("POST", "OPTIONS")
	router.Handle("/api/database/backup", handleBackupDatabase(db)).Methods("POST", "OPTIONS")
	router.Handle("/api/cache/responses", handleClearResponseCache(sp)).Methods("DELETE", "OPTIONS")
	router.Handle("/api/logs", middleware.GzipMiddleware(http.HandlerFunc(handleGetLogs))).Methods("GET", "OPTIONS")
	router.Handle("/api/logs", http.HandlerFunc(handleClearLogs)).Methods("DELETE", "OPTIONS")
	addLogEntry("info", "Admin interface initialized")
}

// handleHealth answers liveness checks.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetStats reports uptime, memory, active relays, cache and pool usage.
func handleGetStats(sp *proxy.StreamProxy, db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		relays := sp.ActiveSessions()
		stats := StatsResponse{
			Version:         Version,
			Uptime:          formatDuration(time.Since(sp.StartTime)),
			MemoryUsage:     utils.FormatBytes(int64(m.Alloc)),
			Goroutines:      runtime.NumGoroutine(),
			ActiveRelays:    len(relays),
			Relays:          relays,
			BuffersInUse:    sp.BufferPool.InUse(),
			ImageCache:      sp.ImageCache.Stats(),
			CompiledFilters: sp.Filters.Size(),
			ResponseCache: ResponseCacheStats{
				Entries:  sp.Cache.Len(),
				Duration: sp.Cache.Duration().String(),
			},
		}

		if sp.WorkerPool != nil {
			stats.WorkerPool = WorkerPoolStats{
				Running:  sp.WorkerPool.Running(),
				Capacity: sp.WorkerPool.Cap(),
				Free:     sp.WorkerPool.Free(),
			}
		}

		if db != nil {
			dbStats, err := db.GetStats()
			if err != nil {
				logger.Warn("{main/admin_handlers - handleGetStats} Failed to read database stats: %v", err)
			} else {
				stats.Database = dbStats
			}
		}

		utils.WriteJSON(w, http.StatusOK, stats)
	}
}

// handleClearImageCache empties the in-memory and persistent image cache, or
// removes a single image when ?url= is given.
func handleClearImageCache(sp *proxy.StreamProxy, db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if raw := r.URL.Query().Get("url"); raw != "" {
			target, err := utils.ParseHTTPURL(raw)
			if err != nil {
				utils.WriteJSONError(w, http.StatusBadRequest, "Invalid image URL")
				return
			}
			sp.ImageCache.Delete(target.String())
			addLogEntry("info", "Image removed from cache: "+utils.LogURL(sp.Config, target.String()))
			utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Image removed"})
			return
		}

		if err := sp.ImageCache.Clear(); err != nil {
			logger.Error("{main/admin_handlers - handleClearImageCache} Failed to clear image store: %v", err)
			addLogEntry("error", fmt.Sprintf("Image cache clear failed: %v", err))
			utils.WriteJSONError(w, http.StatusInternalServerError, "Failed to clear image cache")
			return
		}

		if db != nil {
			vacuumInBackground(sp, db)
		}

		addLogEntry("info", "Image cache cleared via admin interface")
		utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Image cache cleared"})
	}
}

// handlePruneImageStore trims the image store to ?keep= rows (default: the
// image cache capacity).
func handlePruneImageStore(sp *proxy.StreamProxy, db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			utils.WriteJSONError(w, http.StatusConflict, "Image store is disabled")
			return
		}

		keep := sp.ImageCache.Stats().Capacity
		if raw := r.URL.Query().Get("keep"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				utils.WriteJSONError(w, http.StatusBadRequest, "keep must be a non-negative integer")
				return
			}
			keep = n
		}

		removed, err := pruneStore(db, keep)
		if err != nil {
			utils.WriteJSONError(w, http.StatusInternalServerError, "Failed to prune image store")
			return
		}

		addLogEntry("info", fmt.Sprintf("Image store pruned to %d rows (%d removed)", keep, removed))
		utils.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "removed": removed, "kept": keep})
	}
}

// handleBackupDatabase snapshots the image store next to the database file.
func handleBackupDatabase(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			utils.WriteJSONError(w, http.StatusConflict, "Image store is disabled")
			return
		}

		dest, err := db.Backup("")
		if err != nil {
			logger.Error("{main/admin_handlers - handleBackupDatabase} %v", err)
			addLogEntry("error", fmt.Sprintf("Database backup failed: %v", err))
			utils.WriteJSONError(w, http.StatusInternalServerError, "Failed to back up database")
			return
		}

		addLogEntry("info", "Database backed up to "+dest)
		utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "success", "path": dest})
	}
}

// handleClearResponseCache drops cached playlist, portal and guide responses
// and compiled filters.
func handleClearResponseCache(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp.Cache.Clear()
		sp.Filters.ClearFilters()
		addLogEntry("info", "Response cache cleared via admin interface")
		utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Response cache cleared"})
	}
}

// handleGetLogs returns the admin event buffer.
func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	logMu.Lock()
	entries := append([]LogEntry(nil), logEntries...)
	logMu.Unlock()

	utils.WriteJSON(w, http.StatusOK, entries)
}

// handleClearLogs clears the admin event buffer and records the clearing action.
func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	logMu.Lock()
	logEntries = logEntries[:0]
	logMu.Unlock()
	addLogEntry("info", "Log entries cleared via admin interface")

	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// addLogEntry appends to the admin event buffer, keeping the newest maxLogEntries.
func addLogEntry(level, message string) {
	entry := LogEntry{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Level:     level,
		Message:   message,
	}

	logMu.Lock()
	defer logMu.Unlock()
	logEntries = append(logEntries, entry)
	if len(logEntries) > maxLogEntries {
		logEntries = logEntries[len(logEntries)-maxLogEntries:]
	}
}

// pruneStore deletes all but the keep best scored images and vacuums when
// anything was removed.
func pruneStore(db *database.DB, keep int) (int64, error) {
	removed, err := db.PruneImages(keep)
	if err != nil {
		logger.Error("{main/admin_handlers - pruneStore} Prune failed: %v", err)
		return 0, err
	}
	if removed > 0 {
		if err := db.Vacuum(); err != nil {
			logger.Warn("{main/admin_handlers - pruneStore} Vacuum failed: %v", err)
		}
	}
	return removed, nil
}

// vacuumInBackground reclaims database space on the worker pool.
func vacuumInBackground(sp *proxy.StreamProxy, db *database.DB) {
	task := func() {
		if err := db.Vacuum(); err != nil {
			logger.Warn("{main/admin_handlers - vacuumInBackground} Vacuum failed: %v", err)
		}
	}
	if sp.WorkerPool == nil || sp.WorkerPool.Submit(task) != nil {
		go task()
	}
}

// runStoreMaintenance prunes the image store every storeMaintenanceInterval
// until ctx is done.
func runStoreMaintenance(ctx context.Context, db *database.DB, keep int) {
	ticker := time.NewTicker(storeMaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := pruneStore(db, keep)
			if err == nil && removed > 0 {
				logger.Info("{main/admin_handlers - runStoreMaintenance} Pruned %d stored images", removed)
			}
		}
	}
}

// formatDuration converts time.Duration to human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, minutes)
	} else {
		days := int(d.Hours()) / 24
		hours := int(d.Hours()) % 24
		return fmt.Sprintf("%dd %dh", days, hours)
	}
}
