package admin

import (
	"context"
	"encoding/csv"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/strata-db/strata-go/cmd/util"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for Strata clusters",
		Long:    "Writes rows against a temporary table and reports throughput and latency percentiles.",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfTableName  = "__perf"
	perfNumThreads = 10
	perfKeySpread  = 100
	perfDuration   = 10 * time.Second
	perfRowSizeB   = 128
)

func init() {
	// add flags
	key := "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of concurrent writers"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different partition keys to spread the writes over"))
	key = "duration"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("How long to run the benchmark (in seconds)"))
	key = "row-size"
	perfTestCmd.Flags().Int(key, 128, util.WrapString("Size of each written row (in bytes)"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfNumThreads = viper.GetInt("threads")
	perfKeySpread = viper.GetInt("keys")
	perfDuration = time.Duration(viper.GetInt("duration")) * time.Second
	perfRowSizeB = viper.GetInt("row-size")

	return nil
}

func runPerf(cmd *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for Strata clusters")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads:  %d\n", perfNumThreads)
	fmt.Printf("Keys:     %d\n", perfKeySpread)
	fmt.Printf("Duration: %v\n", perfDuration)
	fmt.Println()

	ctx := cmd.Context()

	tbl, err := rpcClient.CreateTable(ctx, perfTableName, []byte("perf-schema"), 3)
	if err != nil {
		return fmt.Errorf("failed to create benchmark table: %w", err)
	}
	defer func() {
		if err := rpcClient.DeleteTable(context.Background(), perfTableName); err != nil {
			fmt.Printf("warning: failed to delete benchmark table: %v\n", err)
		}
	}()

	fmt.Println("starting benchmark...")

	timer := metrics.NewTimer()
	errCount := metrics.NewCounter()
	row := make([]byte, perfRowSizeB)

	stop := time.Now().Add(perfDuration)
	var wg sync.WaitGroup
	for i := 0; i < perfNumThreads; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for time.Now().Before(stop) {
				key := []byte(strconv.Itoa(rng.Intn(perfKeySpread)))
				start := time.Now()
				if err := tbl.Write(ctx, key, row); err != nil {
					errCount.Inc(1)
					continue
				}
				timer.UpdateSince(start)
			}
		}(int64(i))
	}
	wg.Wait()

	// Report
	ps := timer.Percentiles([]float64{0.5, 0.95, 0.99})
	fmt.Println()
	fmt.Printf("writes:     %d (%d failed)\n", timer.Count(), errCount.Count())
	fmt.Printf("throughput: %.1f ops/sec\n", timer.RateMean())
	fmt.Printf("latency:    mean %v, p50 %v, p95 %v, p99 %v\n",
		time.Duration(timer.Mean()),
		time.Duration(ps[0]),
		time.Duration(ps[1]),
		time.Duration(ps[2]),
	)

	if path := viper.GetString("csv"); path != "" {
		if err := writeCSV(path, timer, errCount); err != nil {
			return fmt.Errorf("failed to write CSV: %w", err)
		}
		fmt.Printf("results saved to %s\n", path)
	}
	return nil
}

func writeCSV(path string, timer metrics.Timer, errCount metrics.Counter) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)

	ps := timer.Percentiles([]float64{0.5, 0.95, 0.99})
	rows := [][]string{
		{"writes", "errors", "ops_per_sec", "mean_ns", "p50_ns", "p95_ns", "p99_ns"},
		{
			strconv.FormatInt(timer.Count(), 10),
			strconv.FormatInt(errCount.Count(), 10),
			fmt.Sprintf("%.1f", timer.RateMean()),
			fmt.Sprintf("%.0f", timer.Mean()),
			fmt.Sprintf("%.0f", ps[0]),
			fmt.Sprintf("%.0f", ps[1]),
			fmt.Sprintf("%.0f", ps[2]),
		},
	}
	return w.WriteAll(rows)
}
