package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"proximity/go-engine/internal/model"
)

// signalPayload is the wire form of one observation. Topic segments fill in a missing
// provider or region id.
type signalPayload struct {
	RegionID  string   `json:"region_id"`
	Proximity string   `json:"proximity"`
	Distance  *float64 `json:"distance"`
	Timestamp string   `json:"timestamp"`
	Provider  string   `json:"provider"`
}

// parseSignalTopic splits signals/<provider>/<regionId>. Region ids may contain slashes.
func parseSignalTopic(topic string) (provider, regionID string, err error) {
	parts := strings.SplitN(topic, "/", 3)
	if len(parts) < 2 || parts[0] != SignalTopicRoot {
		return "", "", fmt.Errorf("%w: topic %q is not a signal topic", model.ErrInvalidArgument, topic)
	}
	provider = parts[1]
	if len(parts) == 3 {
		regionID = parts[2]
	}
	return provider, regionID, nil
}

// DecodeSignal turns a signal message into an observation. A missing timestamp stays
// zero so the engine stamps it on arrival.
func DecodeSignal(topic string, payload []byte) (model.Observation, error) {
	provider, regionID, err := parseSignalTopic(topic)
	if err != nil {
		return model.Observation{}, err
	}

	var p signalPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.Observation{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.RegionID == "" {
		p.RegionID = regionID
	}
	if p.Provider == "" {
		p.Provider = provider
	}

	prox, err := model.ParseProximity(p.Proximity)
	if err != nil {
		return model.Observation{}, err
	}

	obs := model.Observation{
		RegionID:  strings.TrimSpace(p.RegionID),
		Proximity: prox,
		Provider:  p.Provider,
	}
	if p.Distance != nil {
		obs.Distance = *p.Distance
		obs.HasDistance = true
	}
	if p.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
		if err != nil {
			return model.Observation{}, fmt.Errorf("%w: timestamp %q", model.ErrInvalidArgument, p.Timestamp)
		}
		obs.Timestamp = ts
	}

	if obs.RegionID == "" {
		return model.Observation{}, fmt.Errorf("%w: missing region id (topic=%q)", model.ErrInvalidArgument, topic)
	}
	return obs, nil
}

// SignalTopic returns the topic a provider publishes region readings on.
func SignalTopic(provider, regionID string) string {
	return SignalTopicRoot + "/" + provider + "/" + regionID
}

// EncodeSignal renders obs as a signal message.
func EncodeSignal(obs model.Observation) (string, []byte, error) {
	if strings.TrimSpace(obs.RegionID) == "" || obs.Provider == "" {
		return "", nil, fmt.Errorf("%w: region id and provider are required", model.ErrInvalidArgument)
	}
	p := signalPayload{
		RegionID:  obs.RegionID,
		Proximity: obs.Proximity.String(),
		Provider:  obs.Provider,
	}
	if obs.HasDistance {
		d := obs.Distance
		p.Distance = &d
	}
	if !obs.Timestamp.IsZero() {
		p.Timestamp = obs.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode signal: %w", err)
	}
	return SignalTopic(obs.Provider, obs.RegionID), data, nil
}

func (b *Bridge) ingest(topic string, payload []byte) error {
	obs, err := DecodeSignal(topic, payload)
	if err != nil {
		b.metrics.IncSignalRejected("decode")
		_, regionID, _ := parseSignalTopic(topic)
		b.recordIngestionError(regionID, payload, err)
		return err
	}
	if err := b.ingester.Ingest(obs); err != nil {
		b.metrics.IncSignalRejected("queue")
		b.recordIngestionError(obs.RegionID, payload, err)
		return fmt.Errorf("ingest %s: %w", obs.RegionID, err)
	}
	return nil
}

func (b *Bridge) recordIngestionError(regionID string, payload []byte, cause error) {
	if b.sink == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	entry := model.IngestionError{
		RegionID: regionID,
		Payload:  truncateString(string(payload), maxPayloadLength),
		Error:    cause.Error(),
	}
	if err := b.sink.InsertIngestionError(ctx, entry); err != nil {
		b.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
