package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// triggerFallback is the sender-side escape hatch from a stalled or failed
// peer negotiation: idempotent upload with bounded retry and doubling,
// capped backoff. The per-transfer sticky flag makes this safe to call
// from multiple triggers (negotiation timeout, ICE failure, send error)
// concurrently.
func (e *Engine) triggerFallback(t *transferState) {
	if t.role != RoleSender {
		return
	}
	if !t.tryTriggerFallback(time.Now(), e.cfg.FallbackCooldown) {
		return
	}
	e.closePeer(t)
	go e.runFallbackUpload(t)
}

func (e *Engine) runFallbackUpload(t *transferState) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.FallbackMaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.FallbackAttemptDeadline)
		err := e.uploadOnce(ctx, t)
		cancel()
		if err == nil {
			e.setState(t, StateCompleted)
			return
		}
		lastErr = err
		log.Printf("engine: fallback upload attempt %d/%d for %s failed: %v", attempt, e.cfg.FallbackMaxAttempts, t.id, err)

		if attempt == e.cfg.FallbackMaxAttempts {
			break
		}
		backoff := e.cfg.FallbackBaseBackoff << (attempt - 1)
		if backoff > e.cfg.FallbackMaxBackoff {
			backoff = e.cfg.FallbackMaxBackoff
		}
		time.Sleep(backoff)
	}

	log.Printf("engine: fallback upload exhausted for %s: %v", t.id, lastErr)
	e.sendTransferError(t.id, "relay upload failed")
	e.setState(t, StateFailed)
}

func (e *Engine) uploadOnce(ctx context.Context, t *transferState) error {
	uploadURL := fmt.Sprintf("%s/api/transfer/%s/upload", e.hubURL, t.id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(t.content))
	if err != nil {
		return err
	}
	req.Header.Set("X-Filename", url.QueryEscape(t.fileName))
	req.Header.Set("Content-Type", t.fileType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload returned status %d", resp.StatusCode)
	}
	return nil
}

// triggerDownload is the receiver-side counterpart: once the hub reports
// transfer-complete with no peer data ever having arrived, pull the bytes
// from the relay endpoint.
func (e *Engine) triggerDownload(t *transferState) {
	if !t.tryTriggerDownload(time.Now(), e.cfg.DownloadCooldown) {
		return
	}
	go e.runDownload(t)
}

func (e *Engine) runDownload(t *transferState) {
	downloadURL := fmt.Sprintf("%s/api/transfer/%s/download", e.hubURL, t.id)
	resp, err := http.Get(downloadURL)
	if err != nil {
		log.Printf("engine: fallback download failed for %s: %v", t.id, err)
		e.setState(t, StateFailed)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("engine: fallback download for %s returned status %d", t.id, resp.StatusCode)
		e.setState(t, StateFailed)
		return
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		e.setState(t, StateFailed)
		return
	}

	if e.save != nil {
		if err := e.save(t.fileName, payload); err != nil {
			e.setState(t, StateFailed)
			return
		}
	}
	e.setState(t, StateCompleted)
}
