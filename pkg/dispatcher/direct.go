package dispatcher

import "context"

// Runner is the subset of *executor.Executor the direct Launcher
// needs — kept as an interface so dispatcher doesn't import executor
// directly and the two packages can evolve independently.
type Runner interface {
	Run(ctx context.Context, jobID, dispatchToken string) error
}

// DirectLauncher runs the Executor in-process: the simplest mode, used
// when jobs don't need per-job resource isolation at the orchestration
// plane (e.g. local dev, or a cluster where GPU scheduling is handled
// entirely by the device plugin's time-slicing).
type DirectLauncher struct {
	runner Runner
}

func NewDirectLauncher(runner Runner) *DirectLauncher {
	return &DirectLauncher{runner: runner}
}

func (l *DirectLauncher) Launch(ctx context.Context, jobID, dispatchToken string) error {
	return l.runner.Run(ctx, jobID, dispatchToken)
}
