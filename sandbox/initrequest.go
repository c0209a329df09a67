package sandbox

// InitRequestFD is the descriptor on which the sandbox-init helper receives
// its InitRequest. It is the first of exec.Cmd.ExtraFiles.
const InitRequestFD = 3

// Helper failures exit with HelperFailureExitCode and a stderr line starting
// with HelperErrorPrefix, so they are not mistaken for the user's own exit.
const (
	HelperFailureExitCode = 125
	HelperErrorPrefix     = "sandbox-init: "
)

// InitRequest is the JSON document the process isolator hands to the
// sandbox-init helper before it execs the target command.
type InitRequest struct {
	Cmd     []string `json:"cmd"`
	Env     []string `json:"env"`
	WorkDir string   `json:"work_dir"`

	// Namespaces tells the helper it runs in fresh mount/pid/net namespaces
	// and may remount and chroot.
	Namespaces bool         `json:"namespaces"`
	RootFS     string       `json:"rootfs,omitempty"`
	Mounts     []MountSpec  `json:"mounts,omitempty"`
	Rlimits    InitRlimits  `json:"rlimits"`
	Seccomp    *SeccompSpec `json:"seccomp,omitempty"`
}

// MountSpec is a bind mount performed inside the new mount namespace.
type MountSpec struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// InitRlimits are applied with setrlimit right before exec. Zero means unchanged.
type InitRlimits struct {
	CPUSeconds    uint64 `json:"cpu_seconds"`
	FileSizeBytes uint64 `json:"file_size_bytes"`
	StackBytes    uint64 `json:"stack_bytes"`
	OpenFiles     uint64 `json:"open_files"`
}

// SeccompSpec selects the syscall filter. An empty ProfilePath loads the
// helper's built-in deny list.
type SeccompSpec struct {
	ProfilePath string `json:"profile_path,omitempty"`
}
