// Command relayd boots the message-driven kernel runtime: the kernel
// facade, a scheduler, and whatever subsystems a deployment wires in. As
// shipped it registers a small "echo" subsystem so the binary is
// immediately useful for smoke-testing a deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaykernel/internal/kernelfacade"
	"relaykernel/internal/logger"
	"relaykernel/internal/message"
	"relaykernel/internal/router"
	"relaykernel/internal/scheduler"
	"relaykernel/internal/subsystem"
)

var (
	logLevel      string
	schedStrategy string
	sliceMs       int
	tickMs        int
	queueCap      int
	help          bool
)

func init() {
	flag.BoolVar(&help, "help", false, "Display help information and exit")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: KERNEL_LOG_LEVEL env, else info)")
	flag.StringVar(&schedStrategy, "scheduler", "round-robin", "Scheduler strategy: round-robin, priority, load-based, adaptive")
	flag.IntVar(&sliceMs, "slice-ms", 10, "Time slice in milliseconds handed to each subsystem per scheduler turn")
	flag.IntVar(&tickMs, "tick-ms", 5, "Idle sleep in milliseconds when no subsystems are registered")
	flag.IntVar(&queueCap, "queue-capacity", 256, "Default bounded queue capacity for registered subsystems")
}

func main() {
	flag.Parse()

	if help {
		printHelp()
		os.Exit(0)
	}

	level := logger.SystemLevel()
	if logLevel != "" {
		level = logger.ParseLevel(logLevel)
	}
	log := logger.New("relayd", level)

	factory := message.NewFactory("relayd")
	kernel := kernelfacade.New(factory, log)

	var sched *scheduler.Scheduler
	strategy := resolveStrategy(schedStrategy, func() float64 { return sched.Utilisation() })
	sched = scheduler.New(scheduler.Options{
		Strategy: strategy,
		Slice:    time.Duration(sliceMs) * time.Millisecond,
		Tick:     time.Duration(tickMs) * time.Millisecond,
	}, log)

	echo := subsystem.New("echo", queueCap, true, log)
	echo.Router.Register("ping", func(params map[string]string, body any) (any, error) {
		return "pong", nil
	}, router.Metadata{Kind: router.KindQuery})

	if err := echo.Build(context.Background()); err != nil {
		log.Error("failed to build echo subsystem", "error", err)
		os.Exit(1)
	}
	if _, err := kernel.RegisterSubsystem("echo", echo); err != nil {
		log.Error("failed to register echo subsystem", "error", err)
		os.Exit(1)
	}

	sched.Register(asSchedulable(echo))

	sched.Start()
	log.Info("kernel started", "strategy", schedStrategy, "slice_ms", sliceMs)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	sched.Stop()
	_ = echo.Dispose()
}

func resolveStrategy(name string, utilisation func() float64) scheduler.Strategy {
	switch name {
	case "priority":
		return scheduler.Priority{}
	case "load-based":
		return scheduler.LoadBased{}
	case "adaptive":
		return scheduler.NewAdaptive(utilisation)
	default:
		return &scheduler.RoundRobin{}
	}
}

// asSchedulable adapts a *subsystem.Subsystem to scheduler.Schedulable.
type schedulableSubsystem struct {
	sub *subsystem.Subsystem
}

func asSchedulable(sub *subsystem.Subsystem) scheduler.Schedulable {
	return &schedulableSubsystem{sub: sub}
}

func (s *schedulableSubsystem) Name() string   { return s.sub.Name }
func (s *schedulableSubsystem) QueueSize() int { return s.sub.Queue.Size() }
func (s *schedulableSubsystem) Priority() int  { return 0 }

func (s *schedulableSubsystem) Process(slice time.Duration) error {
	deadline := time.Now().Add(slice)
	for time.Now().Before(deadline) {
		_, err, ok := s.sub.Processor.ProcessTick()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}

func printHelp() {
	fmt.Println(`Usage: relayd [options]

Options:
  -log-level <level>    Set the log level: debug, info, warn, error. Default reads KERNEL_LOG_LEVEL, else info.
  -scheduler <name>      Scheduler strategy: round-robin, priority, load-based, adaptive. Default round-robin.
  -slice-ms <n>          Time slice in milliseconds per scheduler turn. Default 10.
  -tick-ms <n>           Idle sleep in milliseconds when no subsystems are registered. Default 5.
  -queue-capacity <n>    Default bounded queue capacity for registered subsystems. Default 256.
  -help                  Display this help information and exit.`)
}
