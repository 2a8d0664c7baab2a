package wire

// The manager and its worker processes exchange newline-delimited JSON
// frames: commands flow down each worker's stdin, results flow back on a
// stdout stream shared per worker and merged by the pool. Both sides of
// the framing live here so the vocabulary cannot drift between the two
// binaries.

type CommandKind string

const (
	CmdRegister    CommandKind = "register"
	CmdCheckUpdate CommandKind = "checkforupdate"
	CmdUnregister  CommandKind = "unregister"
	CmdExit        CommandKind = "exit"
)

// Command is one instruction to a worker. Register carries a name and
// version; the remaining kinds have no payload.
type Command struct {
	// Token correlates a command with the result it produced. The pool
	// stamps a fresh UUID per fan-out; workers echo it back untouched.
	Token string      `json:"token,omitempty"`
	Kind  CommandKind `json:"kind"`

	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

type ResultKind string

const (
	// Registered carries the handler id and resource path returned by the
	// service's registration call.
	Registered ResultKind = "registered"
	// UpdateInfo carries a decoded CheckForUpdate reply.
	UpdateInfo ResultKind = "updateinfo"
	// Unregistered carries the service's (or the worker's local) verdict
	// on an unregister attempt.
	Unregistered ResultKind = "unregistered"
	// NotRegistered is produced locally when CheckUpdate is issued before
	// a successful Register; the RPC is never sent.
	NotRegistered ResultKind = "notregistered"
	// ServiceFault is a recoverable per-call fault reported by the service.
	ServiceFault ResultKind = "servicefault"
	// DecodeFault means the service replied with a shape the client does
	// not recognize.
	DecodeFault ResultKind = "decodefault"
	// FatalError means the worker is unusable (connection establishment
	// retries exhausted); the worker terminates after reporting it.
	FatalError ResultKind = "fatalerror"
	// Timeout means a bounded wait elapsed: a worker saw no command within
	// its window, or the pool gave up waiting on a result slot.
	Timeout ResultKind = "timeout"
	// Exited acknowledges an Exit command; the worker accepts nothing
	// afterwards.
	Exited ResultKind = "exited"
)

// Result is one worker's reply to one command. WorkerID is always set so
// the pool can reassemble fan-out replies positionally regardless of
// arrival order. Exactly one payload pointer is non-nil for the kinds
// that carry one; Message holds human-readable detail for the fault kinds.
type Result struct {
	WorkerID int        `json:"worker_id"`
	Token    string     `json:"token,omitempty"`
	Kind     ResultKind `json:"kind"`

	Registration *Registration `json:"registration,omitempty"`
	Update       *Update       `json:"update,omitempty"`
	Unregister   *Unregister   `json:"unregister,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// Registration is the outcome of a successful Register call. The handler
// id is only meaningful for operations issued by the same worker.
type Registration struct {
	HandlerID    uint64 `json:"handler_id"`
	ResourcePath string `json:"resource_path"`
}

// Update is a CheckForUpdate reply with named fields. The service's wire
// contract is positional and has appeared in 5, 6 and 7 value arities;
// Arity records which one was decoded. CurrentVersion is only populated
// by the legacy 5-value shape.
type Update struct {
	Arity int `json:"arity"`

	UpdateAvailable   int    `json:"update_available"`
	AvailableVersion  string `json:"available_version"`
	UpdateURL         string `json:"update_url"`
	RebootImmediately int    `json:"reboot_immediately"`
	ErrorCode         int    `json:"error_code"`
	ErrorMessage      string `json:"error_message"`
	HTTPCode          int    `json:"http_code"`
	CurrentVersion    string `json:"current_version,omitempty"`
}

type Unregister struct {
	Success bool `json:"success"`
}

// Fault builds a Result of the given fault kind. Used by workers for the
// payload-less error kinds and by the pool to fill slots of workers that
// produced nothing.
func Fault(workerID int, kind ResultKind, msg string) Result {
	return Result{WorkerID: workerID, Kind: kind, Message: msg}
}
