package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/derktes/ir-remote-mapper/collector/collector"
	"github.com/spf13/cobra"
)

type flagSet struct {
	serialPort string
	baudRate   int
	count      int
	output     string
	timeout    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var fs flagSet
	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Capture IR readings from the transceiver into a CSV file",
		Long: `collector drives the IR transceiver directly over its serial port. It asks
the device for one reading at a time and appends every decoded reading to a
CSV file until the requested count is reached or Ctrl-C is pressed.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fs.serialPort == "" {
				return errors.New("serial port not specified")
			}
			return run(cmd.Context(), fs)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&fs.serialPort, "serial", "", "Specifies the serial port in the form /dev/xxx")
	flags.IntVar(&fs.baudRate, "baud", 115200, "Specifies the baud rate of the serial port")
	flags.IntVar(&fs.count, "count", 0, "Number of readings to capture, 0 captures until interrupted")
	flags.StringVarP(&fs.output, "output", "o", "output.csv", "CSV file the readings are written to")
	flags.DurationVar(&fs.timeout, "timeout", 30*time.Second, "How long to wait for each button press")
	return cmd
}

func run(ctx context.Context, fs flagSet) error {
	link, err := collector.Open(collector.Config{Port: fs.serialPort, Baud: fs.baudRate})
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runErr := make(chan error, 1)
	go func() {
		runErr <- link.Run(ctx)
	}()
	if err := waitConnected(ctx, link, runErr); err != nil {
		return err
	}
	defer func() {
		stop()
		<-runErr
	}()

	file, err := os.Create(fs.output)
	if err != nil {
		return err
	}
	defer file.Close()
	outputWriter := csv.NewWriter(file)
	if err := outputWriter.Write([]string{"protocol", "address", "command", "bits"}); err != nil {
		return err
	}
	outputWriter.Flush()

	log.Print("Press Ctrl-C to exit program")
	records := 0
	for fs.count == 0 || records < fs.count {
		fmt.Println("Point the remote at the receiver and press a button")
		captureCtx, cancel := context.WithTimeout(ctx, fs.timeout)
		reading, err := collector.Capture(captureCtx, link)
		cancel()
		switch {
		case ctx.Err() != nil:
			log.Printf("Saved %d reading(s) to '%s'", records, fs.output)
			return nil
		case errors.Is(err, collector.ErrMalformedReading), errors.Is(err, context.DeadlineExceeded):
			log.Print(err)
			continue
		case err != nil:
			return err
		}
		if err := outputWriter.Write([]string{
			reading.Protocol,
			strconv.FormatUint(reading.Address, 10),
			strconv.FormatUint(reading.Command, 10),
			strconv.FormatUint(uint64(reading.Bits), 10),
		}); err != nil {
			return err
		}
		outputWriter.Flush()
		if err := outputWriter.Error(); err != nil {
			return err
		}
		records++
		fmt.Printf("Recorded %d reading(s): %s address 0x%X command 0x%X\n", records, reading.Protocol, reading.Address, reading.Command)
	}
	log.Printf("Saved %d reading(s) to '%s'", records, fs.output)
	return nil
}

// waitConnected blocks until the link has opened the port. On error the
// link has stopped and runErr has been drained.
func waitConnected(ctx context.Context, link *collector.Link, runErr <-chan error) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !link.Connected() {
		select {
		case err := <-runErr:
			if err == nil {
				err = collector.ErrLinkUnavailable
			}
			return err
		case <-ctx.Done():
			<-runErr
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
