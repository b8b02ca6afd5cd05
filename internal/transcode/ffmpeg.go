package transcode

import (
	"bufio"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"streamcast/internal/stream"
)

// ffmpegProcess wraps a running ffmpeg command
type ffmpegProcess struct {
	cmd  *exec.Cmd
	done chan error
}

func (p *ffmpegProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *ffmpegProcess) Done() <-chan error {
	return p.done
}

// buildArgs constructs the ffmpeg argument list deterministically from
// the identity and the static configuration: input from the ingest
// server's loopback endpoint, segmented HLS output under the configured
// directory.
func (s *Supervisor) buildArgs(identity stream.Identity) []string {
	input := strings.TrimSuffix(s.cfg.IngestURL, "/") + identity.Path()
	outDir := filepath.Join(s.cfg.OutputDir, identity.Key)

	return []string{
		"-y",
		"-i", input,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-c:a", "aac",
		"-ar", "44100",
		"-f", "hls",
		"-hls_time", strconv.Itoa(s.cfg.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(s.cfg.PlaylistLength),
		"-hls_flags", "delete_segments+program_date_time",
		filepath.ToSlash(filepath.Join(outDir, "index.m3u8")),
	}
}

// launchFFmpeg starts ffmpeg for the identity and feeds its stderr lines
// to onOutput. ffmpeg writes all diagnostics, including progress, to
// stderr.
func (s *Supervisor) launchFFmpeg(identity stream.Identity, onOutput func(string)) (process, error) {
	outDir := filepath.Join(s.cfg.OutputDir, identity.Key)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	cmd := exec.Command(s.cfg.FFmpegPath, s.buildArgs(identity)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	proc := &ffmpegProcess{cmd: cmd, done: make(chan error, 1)}
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			s.logger.WithField("stream_path", identity.Path()).Debug(line)
			onOutput(line)
		}
		// Stderr must be drained before Wait releases the pipe.
		proc.done <- cmd.Wait()
		close(proc.done)
	}()

	return proc, nil
}

func containsMarker(line string) bool {
	return strings.Contains(line, livenessMarker)
}
