package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func fatalUsage(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(2)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
	uota [-v] <command> [arguments]

Commands:
	serve	 run the device-side OTA engine
	upload	 upload an image to a device
	sim	 run a full update cycle in process
	info	 print the flash, partition table and boot record
	rollback clear the boot count of a confirmed image
`)
	os.Exit(2)
}

var verbose int

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	switch {
	case verbose >= 2:
		log.SetLevel(logrus.TraceLevel)
	case verbose == 1:
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

type countFlag struct{ n *int }

func (c countFlag) String() string {
	if c.n == nil {
		return "0"
	}
	return fmt.Sprint(*c.n)
}
func (c countFlag) Set(string) error { *c.n++; return nil }
func (c countFlag) IsBoolFlag() bool { return true }

func main() {
	flag.Usage = usage
	flag.Var(countFlag{&verbose}, "v", "verbose logging (repeat for trace)")
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
	}

	switch cmd := flag.Arg(0); cmd {
	case "serve":
		serveCommand(flag.Args()[1:])
	case "upload":
		uploadCommand(flag.Args()[1:])
	case "sim":
		simCommand(flag.Args()[1:])
	case "info":
		infoCommand(flag.Args()[1:])
	case "rollback":
		rollbackCommand(flag.Args()[1:])
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %q\n", cmd)
		usage()
	}
}
