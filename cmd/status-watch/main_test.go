package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintMessage(t *testing.T) {
	cases := []struct {
		topic, payload string
		want           []string
	}{
		{"aibox/status/bmapp:task_001", `{"status":"online","source":"bmapp"}`, []string{"status", "bmapp:task_001 -> online (bmapp)"}},
		{"aibox/alarms/box1", `{"alarm_type":"NoHelmet","camera_name":"H8C-1","confidence":0.68}`, []string{"box1 NoHelmet camera=H8C-1 conf=0.68"}},
		{"aibox/collector/edge01", `{"status":"online","recorders":3,"connections":1,"cpu_percent":2.5}`, []string{"edge01 online recorders=3 connections=1 cpu=2.5%"}},
		{"aibox/status/cam1", `nope`, []string{"payload inválido"}},
	}
	for _, c := range cases {
		var buf bytes.Buffer
		printMessage(&buf, "aibox", c.topic, []byte(c.payload), false)
		for _, w := range c.want {
			if !strings.Contains(buf.String(), w) {
				t.Errorf("%s: output %q missing %q", c.topic, buf.String(), w)
			}
		}
	}
}

func TestPrintMessagePretty(t *testing.T) {
	var buf bytes.Buffer
	printMessage(&buf, "aibox", "aibox/status/cam1", []byte(`{"status":"offline","source":"removed"}`), true)
	if !strings.Contains(buf.String(), `"source": "removed"`) {
		t.Errorf("output = %s", buf.String())
	}
}
