package processes

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"
)

// drain copies the merged stdout/stderr of proc, line by line, to the log
// file until the pipe is closed and the process has exited.
func (s *Supervisor) drain(proc *process, r io.ReadCloser) {
	defer close(proc.drained)
	defer r.Close()

	var w io.Writer = io.Discard
	if s.logPath != "" {
		f, err := os.OpenFile(s.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			s.logger.Error("Failed to open process log", "path", s.logPath, "error", err)
		} else {
			defer f.Close()
			w = f
		}
	}

	bw := bufio.NewWriter(w)
	defer bw.Flush()

	fmt.Fprintf(bw, "*** Local proxy (port %d) STARTED ***\n", s.port)
	bw.Flush()

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			bw.WriteString(line)
			if line[len(line)-1] != '\n' {
				bw.WriteByte('\n')
			}
			bw.Flush()
		}
		if err == nil {
			continue
		}
		if err != io.EOF {
			s.logger.Warn("Error reading process output", "error", err)
		}
		// The pipe is done; idle until the process itself is gone.
		if !proc.exited() {
			select {
			case <-proc.done:
			case <-time.After(s.drainIdle):
				continue
			}
		}
		return
	}
}
