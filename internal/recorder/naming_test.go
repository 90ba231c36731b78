package recorder

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/sua-org/aibox-bus/internal/core"
)

func TestFileName(t *testing.T) {
	ts := time.Date(2025, 3, 7, 14, 5, 9, 0, time.UTC)
	re := regexp.MustCompile(`^ai_record_Portão_1-A_20250307_140509_[0-9a-f]{8}\.mp4$`)
	a := FileName("Portão 1/A", ts)
	b := FileName("Portão 1/A", ts)
	if !re.MatchString(a) {
		t.Errorf("FileName = %q", a)
	}
	if a == b {
		t.Error("same camera and second must still produce distinct names")
	}
}

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"":       "camera",
		"Gate*1": "Gate_1",
		"a very long camera name that keeps going": "a_very_long_camera_name_that_k",
	}
	for in, want := range cases {
		if got := SafeName(in); got != want {
			t.Errorf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFFmpegCommand(t *testing.T) {
	spec := FFmpegCommand("")(camera("cam1"), "/tmp/out.mp4", 5*time.Minute)
	if spec.Path != "ffmpeg" {
		t.Errorf("path = %s", spec.Path)
	}
	got := strings.Join(spec.Args, " ")
	want := "-hide_banner -loglevel error -rtsp_transport tcp -i rtsp://10.0.0.9/cam1 -t 300 -c copy -movflags +faststart -y /tmp/out.mp4"
	if got != want {
		t.Errorf("args = %s", got)
	}

	http := FFmpegCommand("/usr/bin/ffmpeg")(core.CameraHandle{ID: "x", StreamURL: "http://cam/x.m3u8"}, "/tmp/o.mp4", time.Minute)
	if strings.Contains(strings.Join(http.Args, " "), "rtsp_transport") {
		t.Errorf("non-rtsp input should not force rtsp transport: %v", http.Args)
	}
}
