package worker

import (
	"sync/atomic"

	"github.com/hbomb79/Photon/pkg/logger"
)

var log = logger.Get("Worker")

type (
	WorkerStatus int

	// WorkerTask is the function a worker executes repeatedly. It should
	// return true if it performed work (and so should be called again
	// immediately), or false if there was nothing left to do, in which
	// case the worker sleeps until it is closed.
	WorkerTask func(Worker) (bool, error)

	Worker interface {
		Start()
		Status() WorkerStatus
		Label() string
		Close()
	}

	taskWorker struct {
		label         string
		task          WorkerTask
		closed        chan struct{}
		currentStatus atomic.Int32
	}
)

const (
	SLEEPING WorkerStatus = iota
	WORKING
	FINISHED
)

func (s WorkerStatus) String() string {
	switch s {
	case SLEEPING:
		return "SLEEPING"
	case WORKING:
		return "WORKING"
	case FINISHED:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

func NewWorker(label string, task WorkerTask) *taskWorker {
	return &taskWorker{
		label:  label,
		task:   task,
		closed: make(chan struct{}),
	}
}

// Start runs the workers task in a loop until it reports there is nothing
// left to do, then sleeps until closed. A worker closed while working stops
// after the current task returns. Errors returned by the task are logged,
// and do not stop the worker.
func (worker *taskWorker) Start() {
	log.Emit(logger.NEW, "Starting worker %s\n", worker.label)
	for worker.isOpen() {
		worker.setStatus(WORKING)
		didWork, err := worker.task(worker)
		if err != nil {
			log.Emit(logger.ERROR, "Worker %s task reported an error(%T): %v\n", worker.label, err, err)
		}

		if !didWork {
			worker.sleep()
			break
		}
	}

	worker.setStatus(FINISHED)
	log.Emit(logger.STOP, "Worker %s has stopped\n", worker.label)
}

// Status returns the current status of this worker
func (worker *taskWorker) Status() WorkerStatus {
	return WorkerStatus(worker.currentStatus.Load())
}

// Close stops the worker. A running task is not interrupted.
func (worker *taskWorker) Close() {
	close(worker.closed)
}

// Label returns the label for this worker
func (worker *taskWorker) Label() string {
	return worker.label
}

func (worker *taskWorker) isOpen() bool {
	select {
	case <-worker.closed:
		return false
	default:
		return true
	}
}

// sleep blocks until the worker is closed.
func (worker *taskWorker) sleep() {
	worker.setStatus(SLEEPING)
	<-worker.closed
	log.Emit(logger.VERBOSE, "Worker '%v' has been closed, exiting\n", worker.label)
}

func (worker *taskWorker) setStatus(status WorkerStatus) {
	worker.currentStatus.Store(int32(status))
}
