package meter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Transport is the session a run speaks to one accounting collector with.
// Send returns the collector's status reply; only a reply with an "OK"
// prefix means the record was accepted (which includes "OK - duplicate").
type Transport interface {
	Handshake() error
	ReconcileOutstanding() error
	Send(rec *UsageRecord) (string, error)
	Quarantine(source, reason string) error
	Disconnect() error
}

// TransportFactory opens a fresh transport session scoped to one
// destination identity.
type TransportFactory func(d Destination) (Transport, error)

// maxReplayBatch caps how many outstanding records one reconciliation
// pass replays.
const maxReplayBatch = 500

const quarantineSubdir = "quarantine"

// CollectorConfig carries what a collector session needs: the collector
// endpoint, the destination identity to report as, and the working folder
// holding the journal and the quarantine area.
type CollectorConfig struct {
	URL        string
	Probe      string
	Site       string
	WorkingDir string
	Timeout    time.Duration
	RunID      string
}

// CollectorClient submits usage records to a collector over HTTP and keeps
// a local journal: delivered unique ids (for duplicate suppression),
// rejected payloads (replayed on reconciliation) and quarantined sources.
type CollectorClient struct {
	cfg      CollectorConfig
	identity Destination
	db       *gorm.DB
	client   *http.Client
}

func NewCollectorClient(cfg CollectorConfig) (*CollectorClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("collector URL is required")
	}
	if strings.TrimSpace(cfg.WorkingDir) == "" {
		return nil, fmt.Errorf("working dir is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
		return nil, err
	}
	db, err := openJournal(filepath.Join(cfg.WorkingDir, "journal.db"))
	if err != nil {
		return nil, err
	}
	return &CollectorClient{
		cfg:      cfg,
		identity: Destination{Probe: cfg.Probe, Site: cfg.Site},
		db:       db,
		client:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Handshake announces the session identity to the collector.
func (c *CollectorClient) Handshake() error {
	if c.db == nil {
		return fmt.Errorf("transport is disconnected")
	}
	payload, err := json.Marshal(map[string]string{
		"probe": c.identity.Probe,
		"site":  c.identity.Site,
		"run":   c.cfg.RunID,
	})
	if err != nil {
		return err
	}
	status, err := c.post("handshake", payload)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(status, "OK") {
		return fmt.Errorf("collector refused handshake: %s", status)
	}
	logf(4, "handshake with %s as %s: %s", c.cfg.URL, c.identity, status)
	return nil
}

// Send submits one record. Records whose unique id was already delivered
// are not re-submitted; they get an "OK - duplicate" status locally. A
// record the collector does not accept is journaled as outstanding and
// replayed by a later ReconcileOutstanding.
func (c *CollectorClient) Send(rec *UsageRecord) (string, error) {
	if c.db == nil {
		return "", fmt.Errorf("transport is disconnected")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return c.submit(rec.GlobalJobID, rec.Destination(), payload, rec.TransientInputFiles)
}

func (c *CollectorClient) submit(uniqueID string, d Destination, payload []byte, transients []string) (string, error) {
	if uniqueID != "" {
		dup, err := c.alreadySent(uniqueID)
		if err != nil {
			return "", err
		}
		if dup {
			logf(4, "duplicate record %s, not re-sent", uniqueID)
			c.removeTransients(transients)
			return "OK - duplicate", nil
		}
	}

	status, err := c.post("update", payload)
	if err != nil || !strings.HasPrefix(status, "OK") {
		c.storeOutstanding(uniqueID, d, payload, status, err)
		return status, err
	}

	if uniqueID != "" {
		_ = c.db.Create(&SentRecord{
			UniqueID: uniqueID,
			Probe:    d.Probe,
			Site:     d.Site,
			RunID:    c.cfg.RunID,
			SentAt:   time.Now().UTC(),
		}).Error
	}
	c.removeTransients(transients)
	return status, nil
}

func (c *CollectorClient) alreadySent(uniqueID string) (bool, error) {
	var prior SentRecord
	err := c.db.Where("unique_id = ?", uniqueID).First(&prior).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

func (c *CollectorClient) storeOutstanding(uniqueID string, d Destination, payload []byte, status string, sendErr error) {
	lastErr := status
	if sendErr != nil {
		lastErr = sendErr.Error()
	}
	if uniqueID != "" {
		var existing OutstandingRecord
		err := c.db.Where("unique_id = ?", uniqueID).First(&existing).Error
		if err == nil {
			_ = c.db.Model(&OutstandingRecord{}).
				Where("id = ?", existing.ID).
				Updates(map[string]any{"payload": string(payload), "last_error": lastErr, "attempts": existing.Attempts + 1}).Error
			return
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logf(0, "journal lookup for %s failed: %v", uniqueID, err)
			return
		}
	}
	_ = c.db.Create(&OutstandingRecord{
		UniqueID:   uniqueID,
		Probe:      d.Probe,
		Site:       d.Site,
		Payload:    string(payload),
		RunID:      c.cfg.RunID,
		Attempts:   1,
		FirstTried: time.Now().UTC(),
		LastError:  lastErr,
	}).Error
}

// ReconcileOutstanding replays records the collector rejected in earlier
// runs, oldest first, up to maxReplayBatch per pass. Replay is scoped to
// this session's identity so alternate-destination workers do not pick up
// each other's backlog.
func (c *CollectorClient) ReconcileOutstanding() error {
	if c.db == nil {
		return fmt.Errorf("transport is disconnected")
	}
	var rows []OutstandingRecord
	err := c.db.Where("probe = ? AND site = ?", c.identity.Probe, c.identity.Site).
		Order("id asc").Limit(maxReplayBatch).Find(&rows).Error
	if err != nil {
		return err
	}
	replayed := 0
	for _, row := range rows {
		if row.UniqueID != "" {
			dup, err := c.alreadySent(row.UniqueID)
			if err != nil {
				return err
			}
			if dup {
				_ = c.db.Delete(&OutstandingRecord{}, row.ID).Error
				continue
			}
		}
		status, err := c.post("update", []byte(row.Payload))
		if err != nil || !strings.HasPrefix(status, "OK") {
			lastErr := status
			if err != nil {
				lastErr = err.Error()
			}
			_ = c.db.Model(&OutstandingRecord{}).
				Where("id = ?", row.ID).
				Updates(map[string]any{"attempts": row.Attempts + 1, "last_error": lastErr}).Error
			continue
		}
		if row.UniqueID != "" {
			_ = c.db.Create(&SentRecord{
				UniqueID: row.UniqueID,
				Probe:    row.Probe,
				Site:     row.Site,
				RunID:    c.cfg.RunID,
				SentAt:   time.Now().UTC(),
			}).Error
		}
		_ = c.db.Delete(&OutstandingRecord{}, row.ID).Error
		replayed++
	}
	if len(rows) > 0 {
		logf(2, "reconciled %d of %d outstanding records for %s", replayed, len(rows), c.identity)
	}
	return nil
}

// Quarantine holds a source aside for manual reprocessing: the file moves
// into the quarantine area under the working folder and the move is
// journaled. Sources that are not files (streams) only get the journal row.
func (c *CollectorClient) Quarantine(source, reason string) error {
	if c.db == nil {
		return fmt.Errorf("transport is disconnected")
	}
	movedTo := ""
	if info, err := os.Stat(source); err == nil && !info.IsDir() {
		dst, err := moveFileToDir(source, filepath.Join(c.cfg.WorkingDir, quarantineSubdir))
		if err != nil {
			logf(0, "quarantine move of %s failed: %v", source, err)
		} else {
			movedTo = dst
		}
	}
	logf(0, "quarantined source %s: %s", source, reason)
	return c.db.Create(&QuarantinedSource{
		Source:        source,
		MovedTo:       movedTo,
		Reason:        reason,
		RunID:         c.cfg.RunID,
		QuarantinedAt: time.Now().UTC(),
	}).Error
}

// Disconnect closes the session. The client must not be used afterward.
func (c *CollectorClient) Disconnect() error {
	if c.db == nil {
		return nil
	}
	c.client.CloseIdleConnections()
	sqlDB, err := c.db.DB()
	c.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (c *CollectorClient) removeTransients(files []string) {
	for _, f := range files {
		if err := os.Remove(f); err != nil {
			if !os.IsNotExist(err) {
				logf(1, "removing transient input file %s: %v", f, err)
			}
			continue
		}
		logf(4, "removed transient input file %s", f)
	}
}

// post sends a payload to one collector endpoint and returns the status
// line from the response body.
func (c *CollectorClient) post(endpoint string, payload []byte) (string, error) {
	url := strings.TrimRight(c.cfg.URL, "/") + "/" + endpoint
	resp, err := c.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	status := strings.TrimSpace(string(body))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Sprintf("ERROR http %d: %s", resp.StatusCode, status), nil
	}
	return status, nil
}
