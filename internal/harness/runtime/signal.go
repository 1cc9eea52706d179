package runtime

import "fmt"

// signalNames maps POSIX signal numbers (Linux x86 numbering) to their
// canonical names.
var signalNames = map[int]string{
	1:  "SIGHUP",
	2:  "SIGINT",
	3:  "SIGQUIT",
	4:  "SIGILL",
	5:  "SIGTRAP",
	6:  "SIGABRT",
	7:  "SIGBUS",
	8:  "SIGFPE",
	9:  "SIGKILL",
	10: "SIGUSR1",
	11: "SIGSEGV",
	12: "SIGUSR2",
	13: "SIGPIPE",
	14: "SIGALRM",
	15: "SIGTERM",
	16: "SIGSTKFLT",
	17: "SIGCHLD",
	18: "SIGCONT",
	19: "SIGSTOP",
	20: "SIGTSTP",
	21: "SIGTTIN",
	22: "SIGTTOU",
	23: "SIGURG",
	24: "SIGXCPU",
	25: "SIGXFSZ",
	26: "SIGVTALRM",
	27: "SIGPROF",
	28: "SIGWINCH",
	29: "SIGIO",
	30: "SIGPWR",
	31: "SIGSYS",
}

// DecodeSignal translates a negative return code into a signal name.
// Non-negative codes return "" (normal exits carry no signal). Unknown
// signal numbers render as SIG<n> rather than failing, so agents always
// get a label they can report.
//
//	DecodeSignal(-15) == "SIGTERM"
//	DecodeSignal(-9)  == "SIGKILL"
//	DecodeSignal(-99) == "SIG99"
//	DecodeSignal(0)   == ""
func DecodeSignal(returncode int) string {
	if returncode >= 0 {
		return ""
	}
	n := -returncode
	if name, ok := signalNames[n]; ok {
		return name
	}
	return fmt.Sprintf("SIG%d", n)
}
