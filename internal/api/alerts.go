package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AaronLay10/Universalis/internal/events"
	"github.com/AaronLay10/Universalis/internal/orchestrator"
)

// Alert severity levels
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Alert event types
const (
	AlertMQTTDisconnected  = "mqtt_disconnected"
	AlertStoreUnavailable  = "store_unavailable"
	AlertSchedulerStopped  = "scheduler_stopped"
	AlertAgentDisconnected = "agent_disconnected"
)

// AlertPayload is the JSON structure sent to the webhook.
type AlertPayload struct {
	SimulationID string                 `json:"simulation_id"`
	Event        string                 `json:"event"`
	Timestamp    string                 `json:"timestamp"`
	Severity     string                 `json:"severity"`
	Message      string                 `json:"message,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// AlertConfig holds alert configuration.
type AlertConfig struct {
	WebhookURL           string
	MQTTDisconnectDelay  time.Duration // How long MQTT must be disconnected before alerting
	StoreDisconnectDelay time.Duration // How long the store must be unreachable before alerting
}

var (
	alertConfig = &AlertConfig{
		MQTTDisconnectDelay:  30 * time.Second,
		StoreDisconnectDelay: 5 * time.Second,
	}
	alertMu     sync.Mutex
	alertsReady bool

	mqttOutage  = outage{event: AlertMQTTDisconnected, severity: SeverityWarning, what: "MQTT broker"}
	storeOutage = outage{event: AlertStoreUnavailable, severity: SeverityCritical, what: "world store"}
)

// outage tracks one dependency's downtime so that a single alert goes out
// once it has been down for the configured delay, and a recovery notice
// follows when it comes back.
type outage struct {
	event    string
	severity string
	what     string

	since time.Time
	sent  bool
}

// observe records the dependency's state at now. Callers hold alertMu.
func (o *outage) observe(up bool, now time.Time, delay time.Duration) {
	if up {
		if o.sent {
			go SendAlert(o.event, SeverityInfo, o.what+" reachable again", map[string]interface{}{
				"recovered_at": now.UTC().Format(time.RFC3339),
			})
		}
		o.since = time.Time{}
		o.sent = false
		return
	}

	if o.since.IsZero() {
		o.since = now
	}
	if down := now.Sub(o.since); !o.sent && down >= delay {
		o.sent = true
		go SendAlert(o.event, o.severity, o.what+" unavailable", map[string]interface{}{
			"disconnected_since":   o.since.UTC().Format(time.RFC3339),
			"disconnected_seconds": int(down.Seconds()),
		})
	}
}

// InitAlerts reads UNIVERSALIS_ALERT_WEBHOOK_URL and the optional outage
// delays UNIVERSALIS_MQTT_ALERT_DELAY and UNIVERSALIS_STORE_ALERT_DELAY
// (Go durations).
func InitAlerts() {
	alertMu.Lock()
	defer alertMu.Unlock()

	alertConfig.WebhookURL = os.Getenv("UNIVERSALIS_ALERT_WEBHOOK_URL")
	for env, dst := range map[string]*time.Duration{
		"UNIVERSALIS_MQTT_ALERT_DELAY":  &alertConfig.MQTTDisconnectDelay,
		"UNIVERSALIS_STORE_ALERT_DELAY": &alertConfig.StoreDisconnectDelay,
	} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Warn("ignoring bad alert delay", zap.String("env", env), zap.String("value", v))
			continue
		}
		*dst = d
	}

	if alertConfig.WebhookURL != "" {
		logger.Info("alerts enabled",
			zap.Duration("mqtt_delay", alertConfig.MQTTDisconnectDelay),
			zap.Duration("store_delay", alertConfig.StoreDisconnectDelay))
	}

	mqttOutage.since, mqttOutage.sent = time.Time{}, false
	storeOutage.since, storeOutage.sent = time.Time{}, false
	alertsReady = true
}

// GetAlertWebhookURL returns the configured webhook URL (for testing).
func GetAlertWebhookURL() string {
	alertMu.Lock()
	defer alertMu.Unlock()
	return alertConfig.WebhookURL
}

// SendAlert posts an alert to the webhook without blocking. Without a
// webhook the alert is only logged.
func SendAlert(event, severity, message string, details map[string]interface{}) {
	alertMu.Lock()
	webhookURL := alertConfig.WebhookURL
	alertMu.Unlock()

	if webhookURL == "" {
		logger.Warn("alert", zap.String("event", event), zap.String("severity", severity),
			zap.String("msg", message), zap.Any("details", details))
		return
	}

	simID := GetSimulationID()
	if simID == "" {
		simID = "unknown"
	}
	go sendWebhook(webhookURL, AlertPayload{
		SimulationID: simID,
		Event:        event,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Severity:     severity,
		Message:      message,
		Details:      details,
	})
}

var webhookClient = &http.Client{Timeout: 10 * time.Second}

func sendWebhook(url string, payload AlertPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("alert: marshal payload", zap.Error(err))
		return
	}
	resp, err := webhookClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		logger.Warn("alert: webhook POST failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Warn("alert: webhook rejected", zap.Int("status", resp.StatusCode))
	}
}

// CheckAndAlertMQTT feeds the broker state into its outage tracker.
func CheckAndAlertMQTT(connected bool) {
	alertMu.Lock()
	defer alertMu.Unlock()
	if alertsReady {
		mqttOutage.observe(connected, time.Now(), alertConfig.MQTTDisconnectDelay)
	}
}

// CheckAndAlertStore feeds the world store state into its outage tracker.
func CheckAndAlertStore(connected bool) {
	alertMu.Lock()
	defer alertMu.Unlock()
	if alertsReady {
		storeOutage.observe(connected, time.Now(), alertConfig.StoreDisconnectDelay)
	}
}

// StartAlertMonitor periodically checks connection states and forwards
// scheduler stops and agent disconnects as alerts until stop is closed.
func StartAlertMonitor(checkInterval time.Duration, stop <-chan struct{}) {
	sub := events.Subscribe("scheduler.stopped", "agent.disconnected")
	go func() {
		defer events.Unsubscribe(sub)
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case e, ok := <-sub:
				if !ok {
					return
				}
				forwardEventAlert(e)
			case <-ticker.C:
				readiness.mu.RLock()
				mqttConnected := readiness.mqttConnected
				mqttOptional := readiness.mqttOptional
				storeConnected := readiness.storeConnected
				readiness.mu.RUnlock()

				if !mqttOptional {
					CheckAndAlertMQTT(mqttConnected)
				}
				CheckAndAlertStore(storeConnected)
			}
		}
	}()
}

// forwardEventAlert turns a fatal scheduler stop or an agent disconnect
// into an alert. Operator stops are info-level and not forwarded.
func forwardEventAlert(e events.Event) {
	switch e.Name {
	case "scheduler.stopped":
		if e.Level != "error" {
			return
		}
		SendAlert(AlertSchedulerStopped, SeverityCritical, "scheduler stopped on a fatal cycle error", e.Fields)
		if kind, _ := e.Fields["kind"].(string); kind == string(orchestrator.KindBackendUnavailable) {
			SetStoreState(readinessStoreDriver(), false, false)
		}
	case "agent.disconnected":
		SendAlert(AlertAgentDisconnected, SeverityWarning, "agent heartbeat lapsed", e.Fields)
	}
}

func readinessStoreDriver() string {
	readiness.mu.RLock()
	defer readiness.mu.RUnlock()
	return readiness.storeDriver
}
