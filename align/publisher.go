package align

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// RunSummary describes a finished alignment run.
type RunSummary struct {
	RunID          string         `json:"runId"`
	MisalignType   string         `json:"misalignType"`
	MisalignFactor float64        `json:"misalignFactor"`
	Counts         map[string]int `json:"counts"` // matrices produced per stage
	Paths          int            `json:"paths"`  // entries in the merged map
	Timestamp      int64          `json:"timestamp"`
}

// Publisher publishes alignment results to MQTT for reconstruction workers.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	last          *RunSummary
	mu            sync.RWMutex
}

// NewPublisher creates a new result publisher.
// If client is nil, publishing is disabled.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "lmdalign"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,    // results must arrive
		retain:        true, // late subscribers get the latest matrices
	}
}

// Enabled reports whether a client is attached.
func (p *Publisher) Enabled() bool {
	return p != nil && p.client != nil
}

// PublishRun publishes the merged matrices to <prefix>/matrices and the
// summary to <prefix>/status.
func (p *Publisher) PublishRun(summary RunSummary, merged MatrixMap) error {
	if !p.Enabled() {
		return nil
	}
	if !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	if summary.Timestamp == 0 {
		summary.Timestamp = time.Now().Unix()
	}
	summary.Paths = len(merged)

	if err := p.publishJSON("matrices", merged); err != nil {
		log.Printf("Error publishing matrices for run %s: %v", summary.RunID, err)
		return err
	}
	if err := p.publishJSON("status", summary); err != nil {
		log.Printf("Error publishing status for run %s: %v", summary.RunID, err)
		return err
	}

	p.mu.Lock()
	p.last = &summary
	p.mu.Unlock()

	log.Printf("Published run %s (%d matrices) to %s", summary.RunID, len(merged), p.publishPrefix)
	return nil
}

func (p *Publisher) publishJSON(suffix string, v any) error {
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, suffix)

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", suffix, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publishing to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// LastRun returns a copy of the last published summary.
func (p *Publisher) LastRun() (RunSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return RunSummary{}, false
	}
	return *p.last, true
}

// Prefix returns the topic prefix in use.
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// Disconnect closes the client connection, if any.
func (p *Publisher) Disconnect() {
	if p.Enabled() && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
