// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package submit

// TaskKind tags which operation a CommandProcessorTask carries.
type TaskKind int

const (
	// TaskInvalid is the zero value: a task that has been moved out of, or
	// was never populated. The worker loop skips it.
	TaskInvalid TaskKind = iota
	TaskFlushWaitSemaphores
	TaskProcessOutsideRenderPassCommands
	TaskProcessRenderPassCommands
	TaskFlushAndQueueSubmit
	TaskOneOffQueueSubmit
	TaskPresent
)

// String implements fmt.Stringer.
func (k TaskKind) String() string {
	switch k {
	case TaskFlushWaitSemaphores:
		return "FlushWaitSemaphores"
	case TaskProcessOutsideRenderPassCommands:
		return "ProcessOutsideRenderPassCommands"
	case TaskProcessRenderPassCommands:
		return "ProcessRenderPassCommands"
	case TaskFlushAndQueueSubmit:
		return "FlushAndQueueSubmit"
	case TaskOneOffQueueSubmit:
		return "OneOffQueueSubmit"
	case TaskPresent:
		return "Present"
	default:
		return "Invalid"
	}
}

// CommandProcessorTask is a single tagged unit of deferred work. Only the
// fields relevant to Kind are populated; the rest are left zero. Tasks are
// moved (not copied) through the processor's ring: Take resets the source
// to TaskInvalid so a task can never be executed twice.
type CommandProcessorTask struct {
	Kind TaskKind

	Protection ProtectionType
	Priority   Priority

	// FlushWaitSemaphores
	WaitSemaphores []Semaphore
	WaitStages     []PipelineStageMask

	// ProcessOutsideRenderPassCommands / ProcessRenderPassCommands
	CommandBuffer CommandBuffer

	// FlushAndQueueSubmit / OneOffQueueSubmit
	SignalSemaphore Semaphore
	ExternalFence   *SharedFence
	SerialOut       *QueueSerial // written by the worker once the submit completes

	// OneOffQueueSubmit only: CommandBuffer above is the caller-supplied
	// handle submitted directly, and these are its single optional wait
	// semaphore/stage (SignalSemaphore and ExternalFence above are shared
	// with FlushAndQueueSubmit).
	OneOffWaitSemaphore Semaphore
	OneOffWaitStage     PipelineStageMask

	// Present
	PresentInfo  *PresentInfo
	SwapchainOut *SwapchainStatus
}

// Take returns a copy of t and resets t to TaskInvalid, so the ring slot it
// came from cannot be re-executed.
func (t *CommandProcessorTask) Take() CommandProcessorTask {
	out := *t
	*t = CommandProcessorTask{}
	return out
}

// run dispatches the task against pool/queue, the same collaborators
// SubmitCommands et al. use directly on the synchronous path. This is the
// single place that interprets every TaskKind; FlushWaitSemaphores and the
// two command-processing kinds only touch the pool, the submit kinds touch
// the queue, and Present touches the device directly.
func (t *CommandProcessorTask) run(pool *CommandPoolAccess, queue *CommandQueue, device Device) error {
	switch t.Kind {
	case TaskInvalid:
		return nil
	case TaskFlushWaitSemaphores:
		pool.FlushWaitSemaphores(t.Protection, t.Priority, t.WaitSemaphores, t.WaitStages)
		return nil
	case TaskProcessOutsideRenderPassCommands:
		return pool.FlushOutsideRP(t.Protection, t.Priority, t.CommandBuffer)
	case TaskProcessRenderPassCommands:
		return pool.FlushRenderPass(t.Protection, t.Priority, t.CommandBuffer)
	case TaskFlushAndQueueSubmit:
		serial, err := queue.SubmitCommands(t.Protection, t.Priority, t.SignalSemaphore, t.ExternalFence)
		if t.SerialOut != nil {
			*t.SerialOut = serial
		}
		return err
	case TaskOneOffQueueSubmit:
		serial, err := queue.SubmitOneOff(t.Protection, t.Priority, t.CommandBuffer, t.OneOffWaitSemaphore, t.OneOffWaitStage, t.ExternalFence)
		if t.SerialOut != nil {
			*t.SerialOut = serial
		}
		return err
	case TaskPresent:
		if err := t.PresentInfo.validate(); err != nil {
			if t.SwapchainOut != nil {
				t.SwapchainOut.complete(PresentError)
			}
			return err
		}
		result, err := device.Present(t.PresentInfo)
		if t.SwapchainOut != nil {
			t.SwapchainOut.complete(result)
		}
		if err != nil {
			return err
		}
		return nil
	default:
		return nil
	}
}
