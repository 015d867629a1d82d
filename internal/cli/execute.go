package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ontree-co/flashnode/internal/artifact"
	"github.com/ontree-co/flashnode/internal/version"
)

// Execute runs the CLI with the provided args and manager factory.
func Execute(args []string, factory Factory, out, errOut io.Writer) int {
	cmd := NewRootCommand(factory, out, errOut)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintln(errOut, "Error:", err)
			return ExitInvalidUsage
		}
		var runErr *runtimeError
		if !errors.As(err, &runErr) {
			// cobra's own flag and argument errors
			fmt.Fprintln(errOut, "Error:", err)
			return ExitInvalidUsage
		}
		if jsonOutput, _ := cmd.PersistentFlags().GetBool("json"); !jsonOutput {
			fmt.Fprintln(errOut, "Error:", err)
		}
		return ExitRuntimeError
	}
	return ExitSuccess
}

// NewRootCommand builds the root CLI command tree.
func NewRootCommand(factory Factory, out, errOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "flashnode",
		Short:         "network controller for flashing AVR targets",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().Bool("json", false, "output JSONL")
	root.PersistentFlags().String("config", "config.toml", "path to the TOML config file")

	root.AddCommand(newServeCommand(factory))
	root.AddCommand(newFlashCommand(factory))
	root.AddCommand(newPortsCommand(factory))
	root.AddCommand(newProfilesCommand(factory))
	root.AddCommand(newHistoryCommand(factory))
	root.AddCommand(newDoctorCommand(factory))
	root.AddCommand(newVersionCommand())

	return root
}

type usageError struct {
	err error
}

func (u *usageError) Error() string {
	if u.err == nil {
		return "invalid usage"
	}
	return u.err.Error()
}

type runtimeError struct {
	err error
}

func (r *runtimeError) Error() string {
	if r.err == nil {
		return "runtime error"
	}
	return r.err.Error()
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) > n {
			return &usageError{err: fmt.Errorf("accepts at most %d argument(s), received %d", n, len(args))}
		}
		return nil
	}
}

// withManager builds a manager for the duration of fn
func withManager(cmd *cobra.Command, factory Factory, fn func(Manager) error) error {
	configPath, _ := cmd.Flags().GetString("config")
	manager, err := factory(configPath)
	if err != nil {
		return writeError(cmd, "config_error", err)
	}
	defer manager.Close()
	return fn(manager)
}

func newServeCommand(factory Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP controller",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, factory, func(manager Manager) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				if err := manager.Serve(ctx); err != nil {
					return writeError(cmd, "serve_failed", err)
				}
				return nil
			})
		},
	}
}

func newFlashCommand(factory Factory) *cobra.Command {
	flash := &cobra.Command{
		Use:   "flash [image.hex|image.bin]",
		Short: "run one operation on the attached target",
		Long: "Resets the target into its bootloader and runs the programmer once. The image is\n" +
			"optional when --erase or --memory operations are given.",
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flashRequestFromFlags(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				req.ImagePath = args[0]
			}
			if req.ImagePath != "" && req.URL != "" {
				return &usageError{err: errors.New("give either an image or --url, not both")}
			}
			if req.ImagePath != "" {
				if err := artifact.ValidateExtension(req.ImagePath); err != nil {
					return &usageError{err: err}
				}
				abs, err := filepath.Abs(req.ImagePath)
				if err == nil {
					req.ImagePath = abs
				}
			}

			return withManager(cmd, factory, func(manager Manager) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return streamEvents(ctx, cmd, manager.Flash(ctx, req))
			})
		},
	}

	f := flash.Flags()
	f.String("url", "", "download the image from this URL")
	f.String("profile", "", "board profile")
	f.StringP("part", "p", "", "target part")
	f.StringP("programmer", "c", "", "programmer type")
	f.StringP("port", "P", "", "serial port (default from config)")
	f.StringP("baud", "b", "", "baud rate")
	f.StringP("bitclock", "B", "", "bit clock period")
	f.StringP("config-file", "C", "", "alternate programmer config file")
	f.BoolP("no-auto-erase", "D", false, "disable auto erase for flash")
	f.BoolP("no-verify", "V", false, "do not verify")
	f.BoolP("verbose", "v", false, "verbose programmer output")
	f.Bool("extra-verbose", false, "extra verbose programmer output")
	f.BoolP("quiet", "q", false, "quiet programmer output")
	f.BoolP("force", "F", false, "override signature check")
	f.BoolP("erase", "e", false, "perform a chip erase")
	f.StringSliceP("extended", "x", nil, "extended programmer parameter (repeatable)")
	f.StringSliceP("memory", "U", nil, "memory operation memory:r|w|v:data[:format] (repeatable)")
	return flash
}

func flashRequestFromFlags(cmd *cobra.Command) (FlashRequest, error) {
	f := cmd.Flags()
	var req FlashRequest

	stringFlags := map[string]*string{
		"url":         &req.URL,
		"profile":     &req.Profile,
		"part":        &req.Part,
		"programmer":  &req.Programmer,
		"port":        &req.Port,
		"baud":        &req.Baud,
		"bitclock":    &req.BitClock,
		"config-file": &req.ConfigFile,
	}
	for name, target := range stringFlags {
		value, err := f.GetString(name)
		if err != nil {
			return FlashRequest{}, &usageError{err: err}
		}
		*target = value
	}

	boolFlags := map[string]*bool{
		"no-auto-erase": &req.DisableAutoErase,
		"no-verify":     &req.DisableVerify,
		"verbose":       &req.Verbose,
		"extra-verbose": &req.ExtraVerbose,
		"quiet":         &req.Quiet,
		"force":         &req.Force,
		"erase":         &req.EraseChip,
	}
	for name, target := range boolFlags {
		value, err := f.GetBool(name)
		if err != nil {
			return FlashRequest{}, &usageError{err: err}
		}
		*target = value
	}

	var err error
	if req.ExtendedParams, err = f.GetStringSlice("extended"); err != nil {
		return FlashRequest{}, &usageError{err: err}
	}
	if req.MemoryOperations, err = f.GetStringSlice("memory"); err != nil {
		return FlashRequest{}, &usageError{err: err}
	}
	return req, nil
}

func newPortsCommand(factory Factory) *cobra.Command {
	ports := &cobra.Command{
		Use:   "ports",
		Short: "list serial ports",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			probe, _ := cmd.Flags().GetBool("probe")
			return withManager(cmd, factory, func(manager Manager) error {
				list, err := manager.Ports(cmd.Context(), probe)
				if err != nil {
					return writeError(cmd, "ports_failed", err)
				}
				lines := make([]string, 0, len(list))
				for _, p := range list {
					line := p.Name
					if p.IsUSB {
						line += fmt.Sprintf("  usb %s:%s", p.VID, p.PID)
					}
					if p.Probed {
						if p.Available {
							line += "  available"
						} else {
							line += "  unavailable: " + p.Error
						}
					}
					lines = append(lines, line)
				}
				return writeResult(cmd, list, lines)
			})
		},
	}
	ports.Flags().Bool("probe", false, "open each port once to check it is free")
	return ports
}

func newProfilesCommand(factory Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "list board profiles",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, factory, func(manager Manager) error {
				list, err := manager.Profiles(cmd.Context())
				if err != nil {
					return writeError(cmd, "profiles_failed", err)
				}
				lines := make([]string, 0, len(list))
				for _, p := range list {
					lines = append(lines, fmt.Sprintf("%-16s %s (%s, %s, %s baud)", p.Name, p.Description, p.Part, p.Programmer, p.Baud))
				}
				return writeResult(cmd, list, lines)
			})
		},
	}
}

func newHistoryCommand(factory Factory) *cobra.Command {
	history := &cobra.Command{
		Use:   "history",
		Short: "list recent operations",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			if limit <= 0 {
				return &usageError{err: errors.New("--limit must be positive")}
			}
			return withManager(cmd, factory, func(manager Manager) error {
				list, err := manager.Operations(cmd.Context(), limit)
				if err != nil {
					return writeError(cmd, "history_failed", err)
				}
				lines := make([]string, 0, len(list))
				for _, op := range list {
					lines = append(lines, fmt.Sprintf("%s  %s  %-9s %-11s %s",
						op.CreatedAt.Local().Format("2006-01-02 15:04:05"), op.ID, op.Type, op.Status, op.Message))
				}
				return writeResult(cmd, list, lines)
			})
		},
	}
	history.Flags().Int("limit", 20, "number of operations to show")
	return history
}

func newDoctorCommand(factory Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "check tools, directories and the serial port",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, factory, func(manager Manager) error {
				checks, err := manager.Check(cmd.Context())
				if err != nil {
					return writeError(cmd, "doctor_failed", err)
				}
				var lines []string
				failed := false
				for _, c := range checks {
					lines = append(lines, fmt.Sprintf("[%s] %s: %s", c.Status, c.Name, c.Message))
					if c.Status == "error" {
						failed = true
						for _, step := range c.Remediation {
							lines = append(lines, "    - "+step)
						}
					}
				}
				if err := writeResult(cmd, checks, lines); err != nil {
					return err
				}
				if failed {
					return &runtimeError{err: errors.New("system check failed")}
				}
				return nil
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			return writeResult(cmd, info, []string{
				"flashnode version " + info.Version,
				"  commit: " + info.Commit,
				"  built: " + info.BuildDate,
				"  go: " + info.GoVersion,
				"  platform: " + info.Platform,
			})
		},
	}
}

// streamEvents writes events until the stream closes. The stream is always drained so the
// operation can finish its cleanup even after an interrupt.
func streamEvents(ctx context.Context, cmd *cobra.Command, events <-chan ProgressEvent) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	var failure, writeErr error
	for event := range events {
		if writeErr == nil {
			writeErr = writeEventWithContext(ctx, cmd, event, jsonOutput)
		}
		if event.Type == "error" {
			failure = errors.New(event.Message)
		}
	}
	if writeErr != nil {
		return &runtimeError{err: writeErr}
	}
	if failure != nil {
		return &runtimeError{err: failure}
	}
	return nil
}

func writeError(cmd *cobra.Command, code string, err error) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		_ = writeEventWithContext(cmd.Context(), cmd, ProgressEvent{
			Type:    "error",
			Code:    code,
			Message: err.Error(),
		}, true)
	}
	return &runtimeError{err: err}
}

// writeResult emits data as a single result event in JSON mode and lines otherwise
func writeResult(cmd *cobra.Command, data interface{}, lines []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		return writeEventWithContext(cmd.Context(), cmd, ProgressEvent{Type: "result", Data: data}, true)
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(cmd.OutOrStdout(), line); err != nil {
			return err
		}
	}
	return nil
}

func writeEventWithContext(ctx context.Context, cmd *cobra.Command, event ProgressEvent, jsonOutput bool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if jsonOutput {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		return encoder.Encode(event)
	}
	if event.Message != "" {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), event.Message)
		return err
	}
	return nil
}
