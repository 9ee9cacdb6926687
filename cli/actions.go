package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"go.viam.com/emmc/card"
	"go.viam.com/emmc/core"
	"go.viam.com/emmc/host/fake"
	"go.viam.com/emmc/logging"
	"go.viam.com/emmc/mmcerr"
)

// simulation is the state shared by every command: the parsed config and a logger writing to the
// app's error stream.
type simulation struct {
	conf    *SimConfig
	engine  *core.Config
	logger  logging.Logger
	trace   string
	levels  map[string]logging.Level
	logFile *lumberjack.Logger
}

func newSimulation(c *cli.Context) (*simulation, error) {
	conf := DefaultSimConfig()
	if path := c.String(generalFlagConfig); path != "" {
		var err error
		if conf, err = ReadSimConfig(path); err != nil {
			return nil, err
		}
	}
	if err := conf.AddExtCSDOverrides(c.StringSlice(generalFlagExtCSD)); err != nil {
		return nil, err
	}
	if caps := c.StringSlice(generalFlagCaps); len(caps) > 0 {
		conf.Caps = caps
	}
	if _, err := conf.Validate("simulator"); err != nil {
		return nil, err
	}
	engine, err := core.ParseConfig(conf.Engine)
	if err != nil {
		return nil, err
	}

	logger := logging.NewBlankLogger("emmcsim")
	logger.AddAppender(logging.NewWriterAppender(c.App.ErrWriter))
	var logFile *lumberjack.Logger
	if path := c.String(generalFlagLogFile); path != "" {
		logFile = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    16,
			MaxBackups: 2,
		}
		logger.AddAppender(logging.NewWriterAppender(logFile))
	}
	if c.Bool(generalFlagDebug) {
		logger.SetLevel(logging.DEBUG)
	} else {
		logger.SetLevel(logging.WARN)
	}
	levels, err := parseLevels(c.StringSlice(generalFlagLevel))
	if err != nil {
		return nil, err
	}
	return &simulation{
		conf:    conf,
		engine:  engine,
		logger:  logger,
		trace:   c.String(generalFlagTrace),
		levels:  levels,
		logFile: logFile,
	}, nil
}

func (sim *simulation) close() error {
	err := sim.logger.Sync()
	if sim.logFile != nil {
		err = multierr.Append(err, sim.logFile.Close())
	}
	return err
}

func parseLevels(pairs []string) (map[string]logging.Level, error) {
	levels := make(map[string]logging.Level, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, errors.Errorf("log level %q is not HOST=LEVEL", pair)
		}
		level, err := logging.LevelFromString(value)
		if err != nil {
			return nil, err
		}
		levels[name] = level
	}
	return levels, nil
}

// traceContext turns on debug logging for ctx when name is the traced host.
func (sim *simulation) traceContext(ctx context.Context, name string) context.Context {
	if sim.trace != "" && sim.trace == name {
		return logging.EnableDebugMode(ctx, name)
	}
	return ctx
}

// start builds a host and a controller for it and attaches the card. The caller must close the
// returned controller.
func (sim *simulation) start(ctx context.Context, name string) (*core.Controller, *fake.Host, error) {
	h, err := sim.conf.NewHost(name)
	if err != nil {
		return nil, nil, err
	}
	ctrl, err := core.NewController(h, sim.engine, sim.logger, nil)
	if err != nil {
		return nil, nil, err
	}
	if level, ok := sim.levels[h.Name()]; ok {
		if err := logging.UpdateLoggerLevel(core.LoggerName(h.Name()), level); err != nil {
			return nil, nil, multierr.Combine(err, ctrl.Close(ctx))
		}
	}
	if err := ctrl.Attach(ctx); err != nil {
		return nil, nil, multierr.Combine(err, ctrl.Close(ctx))
	}
	return ctrl, h, nil
}

// AttachAction attaches a card and prints the negotiated mode, its attributes and partitions.
func AttachAction(c *cli.Context) (err error) {
	sim, err := newSimulation(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, sim.close())
	}()
	ctx := sim.traceContext(c.Context, sim.conf.Name)
	ctrl, _, err := sim.start(ctx, "")
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, ctrl.Close(ctx))
	}()

	cd, err := ctrl.Card(ctx)
	if err != nil {
		return err
	}
	attrs, err := ctrl.Attributes(ctx)
	if err != nil {
		return err
	}
	parts, err := ctrl.Partitions(ctx)
	if err != nil {
		return err
	}
	printCardSummary(c.App.Writer, ctrl.Name(), cd)
	printAttributes(c.App.Writer, attrs)
	printPartitions(c.App.Writer, parts)
	return nil
}

// CycleAction suspends and resumes the card repeatedly.
func CycleAction(c *cli.Context) (err error) {
	sim, err := newSimulation(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, sim.close())
	}()
	ctx := sim.traceContext(c.Context, sim.conf.Name)
	ctrl, _, err := sim.start(ctx, "")
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, ctrl.Close(ctx))
	}()

	suspend, resume := ctrl.Suspend, ctrl.Resume
	if c.Bool(cycleFlagRuntime) {
		suspend, resume = ctrl.RuntimeSuspend, ctrl.RuntimeResume
	}
	w := c.App.Writer
	for i := 1; i <= c.Int(cycleFlagCount); i++ {
		step := fmt.Sprintf("suspend #%d", i)
		err := suspend(ctx)
		if errors.Is(err, mmcerr.Busy) {
			printDeferred(w, step, err)
			continue
		}
		printStep(w, step, err)
		if err != nil {
			return err
		}

		err = resume(ctx)
		printStep(w, fmt.Sprintf("resume #%d", i), err)
		if err != nil {
			return err
		}
	}

	cd, err := ctrl.Card(ctx)
	if err != nil {
		return err
	}
	printCardSummary(w, ctrl.Name(), cd)
	return nil
}

// ScaleAction moves the bus clock through the requested frequencies.
func ScaleAction(c *cli.Context) (err error) {
	var targets []uint32
	for _, s := range c.StringSlice(scaleFlagFreq) {
		hz, err := parseFrequency(s)
		if err != nil {
			return errors.Wrapf(err, "invalid frequency %q", s)
		}
		targets = append(targets, hz)
	}

	sim, err := newSimulation(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, sim.close())
	}()
	ctx := sim.traceContext(c.Context, sim.conf.Name)
	ctrl, _, err := sim.start(ctx, "")
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, ctrl.Close(ctx))
	}()

	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"Requested", "Applied", "Timing", "Bus clock"})
	defer t.Render()
	for _, hz := range targets {
		got, err := ctrl.ChangeBusSpeed(ctx, hz)
		if err != nil {
			return errors.Wrapf(err, "scaling to %s", frequency(hz))
		}
		cd, err := ctrl.Card(ctx)
		if err != nil {
			return err
		}
		t.AppendRow(table.Row{frequency(hz), frequency(got), cd.Negotiated.Timing, frequency(cd.Negotiated.Clock)})
	}
	return nil
}

func parseShutdownKind(s string) (card.ShutdownKind, error) {
	for _, kind := range []card.ShutdownKind{card.ShutdownReboot, card.ShutdownHalt, card.ShutdownPowerOff} {
		if kind.String() == s {
			return kind, nil
		}
	}
	return 0, errors.Errorf("unknown shutdown kind %q", s)
}

// ShutdownAction sends the power off notification for the requested shutdown kind.
func ShutdownAction(c *cli.Context) (err error) {
	kind, err := parseShutdownKind(c.String(shutdownFlagKind))
	if err != nil {
		return err
	}
	sim, err := newSimulation(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, sim.close())
	}()
	ctx := sim.traceContext(c.Context, sim.conf.Name)
	ctrl, h, err := sim.start(ctx, "")
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, ctrl.Close(ctx))
	}()

	h.ResetLog()
	err = ctrl.Shutdown(ctx, kind)
	printStep(c.App.Writer, "shutdown "+kind.String(), err)
	if err != nil {
		return err
	}
	for _, sw := range h.Switches() {
		fmt.Fprintf(c.App.Writer, "SWITCH EXT_CSD[%d] = %#x\n", sw.Index, sw.Value)
	}
	return nil
}

type simulateResult struct {
	host     string
	timing   string
	clock    string
	err      error
	duration time.Duration
}

// SimulateAction runs a full lifecycle on several hosts concurrently.
func SimulateAction(c *cli.Context) (err error) {
	sim, err := newSimulation(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, sim.close())
	}()
	n := c.Int(simulateFlagHosts)
	if n <= 0 {
		return errors.Errorf("--%s must be positive", simulateFlagHosts)
	}

	results := make([]simulateResult, n)
	g, ctx := errgroup.WithContext(c.Context)
	for i := 0; i < n; i++ {
		i := i
		name := fmt.Sprintf("%s-%d", sim.conf.Name, i)
		results[i].host = name
		g.Go(func() error {
			start := time.Now()
			res := &results[i]
			res.err = sim.lifecycle(ctx, name, res)
			res.duration = time.Since(start)
			return res.err
		})
	}
	err = g.Wait()

	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"Host", "Timing", "Clock", "Result", "Time"})
	for _, res := range results {
		result := "ok"
		if res.err != nil {
			result = res.err.Error()
		}
		t.AppendRow(table.Row{res.host, res.timing, res.clock, result, res.duration.Round(time.Microsecond)})
	}
	t.Render()
	printDurations(c.App.Writer, results)
	return err
}

// printDurations summarizes how long the lifecycles took across hosts.
func printDurations(w io.Writer, results []simulateResult) {
	millis := make([]float64, 0, len(results))
	for _, res := range results {
		millis = append(millis, float64(res.duration)/float64(time.Millisecond))
	}
	mean, err := stats.Mean(millis)
	if err != nil {
		return
	}
	p95, err := stats.Percentile(millis, 95)
	if err != nil {
		p95 = mean
	}
	slowest, err := stats.Max(millis)
	if err != nil {
		slowest = mean
	}
	fmt.Fprintf(w, "lifecycle time over %d hosts: mean %.2fms, p95 %.2fms, max %.2fms\n",
		len(millis), mean, p95, slowest)
}

func (sim *simulation) lifecycle(ctx context.Context, name string, res *simulateResult) (err error) {
	ctx = sim.traceContext(ctx, name)
	ctrl, _, err := sim.start(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, ctrl.Close(ctx))
	}()

	cd, err := ctrl.Card(ctx)
	if err != nil {
		return err
	}
	res.timing = cd.Negotiated.Timing.String()
	res.clock = frequency(cd.Negotiated.Clock)

	if err := ctrl.Suspend(ctx); err != nil {
		return errors.Wrap(err, "suspend")
	}
	if err := ctrl.Resume(ctx); err != nil {
		return errors.Wrap(err, "resume")
	}
	return errors.Wrap(ctrl.Shutdown(ctx, card.ShutdownPowerOff), "shutdown")
}

// SchemaAction prints the JSON schema of the --config file.
func SchemaAction(c *cli.Context) error {
	out, err := json.MarshalIndent(jsonschema.Reflect(&SimConfig{}), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, string(out))
	return err
}
