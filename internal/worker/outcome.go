package worker

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/cuongbtq/stt-worker/internal/subtitle"
)

// Pipeline stages recorded in failure diagnostics.
const (
	StagePrepare    = "prepare"
	StageFetch      = "fetch"
	StageTranscribe = "transcribe"
	StageAssemble   = "assemble"
)

// Outcome is the result of running one claimed job: either a document or
// the error and the stage it happened in.
type Outcome struct {
	JobID    string
	Document string
	Stage    string
	Err      error
}

// Diagnostic renders the failure text stored with a failed job. Panics carry
// up to frames stack frames closest to the panic.
func (o Outcome) Diagnostic(frames int) string {
	if o.Err == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %v", o.Stage, o.Err)
	if p, ok := o.Err.(*PanicError); ok {
		if stack := trimStack(p.Stack, frames); stack != "" {
			msg += "\n" + stack
		}
	}
	return msg
}

// PanicError is a recovered panic from a job stage.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes a panicked error value.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// execute runs fetch, transcribe and assemble for jobID inside a scratch
// directory that is removed afterwards. Panics become failed outcomes.
func (w *Worker) execute(ctx context.Context, jobID string) (out Outcome) {
	out.JobID = jobID
	stage := StagePrepare

	defer func() {
		if r := recover(); r != nil {
			out.Document = ""
			out.Stage = stage
			out.Err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	fail := func(err error) Outcome {
		return Outcome{JobID: jobID, Stage: stage, Err: err}
	}

	dir, err := os.MkdirTemp(w.tempDir, "stt-job-*")
	if err != nil {
		return fail(fmt.Errorf("create scratch dir: %w", err))
	}
	defer os.RemoveAll(dir)

	stage = StageFetch
	audioPath, err := w.fetcher.Fetch(ctx, jobID, dir)
	if err != nil {
		return fail(err)
	}

	stage = StageTranscribe
	segments, err := w.transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		return fail(err)
	}

	stage = StageAssemble
	doc := subtitle.Assemble(segments)

	return Outcome{JobID: jobID, Document: doc, Stage: stage}
}

// trimStack keeps the first n frames of a debug.Stack dump that follow the
// panic call, so the frames shown are the ones that panicked.
func trimStack(stack []byte, n int) string {
	lines := strings.Split(strings.TrimRight(string(stack), "\n"), "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "goroutine ") {
		lines = lines[1:]
	}

	type frame struct{ fn, loc string }
	var frameList []frame
	for i := 0; i+1 < len(lines); i += 2 {
		frameList = append(frameList, frame{fn: lines[i], loc: lines[i+1]})
	}

	startAt := 0
	for i, f := range frameList {
		if strings.HasPrefix(f.fn, "panic(") {
			startAt = i + 1
		}
	}
	if startAt == 0 {
		for startAt < len(frameList) && strings.HasPrefix(frameList[startAt].fn, "runtime/debug.") {
			startAt++
		}
	}

	frameList = frameList[startAt:]
	if len(frameList) > n {
		frameList = frameList[:n]
	}

	var b strings.Builder
	for i, f := range frameList {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.fn)
		b.WriteByte('\n')
		b.WriteString(f.loc)
	}
	return b.String()
}
