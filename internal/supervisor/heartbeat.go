package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Heartbeat é o status do collector publicado em <base>/collector/<hostname>.
type Heartbeat struct {
	Collector      string  `json:"collector"`
	Status         string  `json:"status"`
	Timestamp      string  `json:"timestamp"`
	Hostname       string  `json:"hostname"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	MemoryRSSBytes uint64  `json:"memory_rss_bytes"`
	Recorders      int     `json:"recorders"`
	Connections    int     `json:"connections"`
	ChildProcesses int     `json:"child_processes"`
}

func (s *Supervisor) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	s.logger.Info("heartbeat iniciado", "interval", s.cfg.Heartbeat, "topic", s.collectorTopic())
	s.publishHeartbeat("online", time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.publishHeartbeat("online", t)
		}
	}
}

func (s *Supervisor) heartbeat(state string, now time.Time) Heartbeat {
	hb := Heartbeat{
		Collector:      "aibox-bus",
		Status:         state,
		Timestamp:      now.UTC().Format(time.RFC3339),
		Hostname:       s.hostname,
		Recorders:      s.recorder.Len(),
		Connections:    s.alarmFleet.Len(),
		ChildProcesses: s.procs.Running(),
	}
	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			hb.CPUPercent = cpu
		}
		if memInfo, err := s.proc.MemoryInfo(); err == nil {
			hb.MemoryRSSBytes = memInfo.RSS
		}
		if memP, err := s.proc.MemoryPercent(); err == nil {
			hb.MemoryPercent = float64(memP)
		}
	}
	return hb
}

func (s *Supervisor) publishHeartbeat(state string, now time.Time) {
	if err := s.sendHeartbeat(s.heartbeat(state, now)); err != nil {
		s.logger.Warn("erro ao publicar heartbeat", "err", err)
	}
}

func (s *Supervisor) sendHeartbeat(hb Heartbeat) error {
	b, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	topic := s.collectorTopic()
	if err := s.mqtt.Publish(topic, 1, true, b); err != nil {
		return fmt.Errorf("publish heartbeat to %s: %w", topic, err)
	}
	s.logger.Debug("heartbeat publicado", "topic", topic, "recorders", hb.Recorders, "connections", hb.Connections)
	return nil
}

func (s *Supervisor) collectorTopic() string {
	host := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s.hostname)
	if host == "" {
		host = "unknown"
	}
	return s.cfg.MQTTBaseTopic + "/collector/" + host
}
