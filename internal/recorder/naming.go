package recorder

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/process"
)

const maxSafeName = 30

// FileName gera ai_record_<nome>_<YYYYmmdd_HHMMSS>_<8 hex>.mp4; o sufixo aleatório evita sobrescrita.
func FileName(cameraName string, t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("ai_record_%s_%s_%s.mp4", SafeName(cameraName), t.UTC().Format("20060102_150405"), suffix)
}

// SafeName troca "/" por "-" e o que não for letra, dígito, "-" ou "_" por "_"; corta em 30 runas.
func SafeName(name string) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.TrimSpace(name) {
		if n == maxSafeName {
			break
		}
		switch {
		case r == '/':
			r = '-'
		case r == '-' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r):
		default:
			r = '_'
		}
		b.WriteRune(r)
		n++
	}
	if b.Len() == 0 {
		return "camera"
	}
	return b.String()
}

// CommandFunc monta o processo que grava um chunk em outPath.
type CommandFunc func(cam core.CameraHandle, outPath string, chunk time.Duration) process.Spec

// FFmpegCommand grava a URL da câmera por no máximo chunk, sem recodificar.
func FFmpegCommand(binary string) CommandFunc {
	if binary == "" {
		binary = "ffmpeg"
	}
	return func(cam core.CameraHandle, outPath string, chunk time.Duration) process.Spec {
		args := []string{"-hide_banner", "-loglevel", "error"}
		if strings.HasPrefix(strings.ToLower(cam.StreamURL), "rtsp") {
			args = append(args, "-rtsp_transport", "tcp")
		}
		args = append(args,
			"-i", cam.StreamURL,
			"-t", strconv.Itoa(int(chunk.Round(time.Second)/time.Second)),
			"-c", "copy",
			"-movflags", "+faststart",
			"-y", outPath,
		)
		return process.Spec{Name: "ffmpeg:" + cam.ID, Path: binary, Args: args}
	}
}
