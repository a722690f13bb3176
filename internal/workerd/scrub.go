package workerd

import (
	"log"
	"os"
)

// Scrub strips the worker's ambient environment before any module code can
// run. The supervisor already launches the child with an empty environment;
// clearing again here keeps the guarantee when the binary is started by hand.
// Diagnostics go to stderr only; stdout stays silent for success paths.
func Scrub() {
	os.Clearenv()
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags)
}
