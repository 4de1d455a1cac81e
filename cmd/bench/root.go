package bench

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiln-db/kiln/cmd/util"
	"github.com/kiln-db/kiln/lib/engine"
	"github.com/kiln-db/kiln/lib/storage"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// BenchCmd benchmarks the in-process engine end to end, through the
	// storage facade (so every operation pays the dispatcher round trip).
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Benchmarking tool for the kiln storage engine",
		Long:    "",
		RunE:    run,
		PreRunE: processBenchConfig,
	}

	benchKeyPrefix     = "__bench"
	benchNumThreads    = 10
	benchKeySpread     = 100
	benchNumQueues     = 4
	benchPayloadSizeKB = 1
	benchSkip          = make([]string, 0)

	benchSeq atomic.Int64
)

func init() {
	// add flags
	key := "skip"
	BenchCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. create,fetch)"))
	key = "threads"
	BenchCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "keys"
	BenchCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "queues"
	BenchCmd.Flags().Int(key, 4, util.WrapString("How many queues to spread enqueued jobs over"))
	key = "payload-size"
	BenchCmd.Flags().Int(key, 1, util.WrapString("Size of the job payload (in KB)"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	util.InitConfig()

	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	benchNumThreads = viper.GetInt("threads")
	benchKeySpread = viper.GetInt("keys")
	benchNumQueues = viper.GetInt("queues")
	benchPayloadSizeKB = viper.GetInt("payload-size")
	benchSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

// benchJob is the payload stored for every benchmark job.
type benchJob struct {
	Data []byte `json:"data"`
}

func run(_ *cobra.Command, _ []string) error {

	fmt.Println("Benchmarking tool for the kiln storage engine")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("Threads: %d\n", benchNumThreads)
	fmt.Printf("Keys: %d\n", benchKeySpread)
	fmt.Printf("Queues: %d\n", benchNumQueues)
	fmt.Printf("Payload size: %d KB\n", benchPayloadSizeKB)
	fmt.Println()

	fmt.Println("starting benchmarks...")

	eng := engine.New(engine.DefaultOptions())
	defer eng.Close()
	store := storage.NewStorage(eng, storage.NewJSONCodec())

	payload := benchJob{Data: make([]byte, benchPayloadSizeKB*1024)}

	// Create results map
	results := make(map[string]testing.BenchmarkResult)

	createResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("create") {
			return
		}

		b.SetParallelism(benchNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if err := store.CreateJob(nextKey("create"), payload, nil, time.Minute); err != nil {
					log.Printf("(create) - error creating job: %v\n", err)
				}
			}
		})
	})

	results["create"] = createResult
	printResult("create", createResult)

	getResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("get") {
			return
		}

		// prepare jobs
		getKey, iter := getKeys("get")
		iter(func(k string) {
			if err := store.CreateJob(k, payload, nil, 0); err != nil {
				log.Printf("(get) - error creating job: %v\n", err)
			}
		})

		// cleanup
		b.Cleanup(func() {
			iter(func(k string) {
				if err := store.ExpireJob(k, time.Nanosecond); err != nil {
					log.Printf("(get) - error expiring job: %v\n", err)
				}
			})
		})

		b.SetParallelism(benchNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				_, _, err := store.GetJobData(getKey(counter))
				if err != nil {
					log.Printf("(get) - error reading job: %v\n", err)
				}
				counter++
			}
		})
	})

	results["get"] = getResult
	printResult("get", getResult)

	setStateResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("set-state") {
			return
		}

		// prepare jobs
		getKey, iter := getKeys("set-state")
		iter(func(k string) {
			if err := store.CreateJob(k, payload, nil, 0); err != nil {
				log.Printf("(set-state) - error creating job: %v\n", err)
			}
		})

		// cleanup
		b.Cleanup(func() {
			iter(func(k string) {
				if err := store.ExpireJob(k, time.Nanosecond); err != nil {
					log.Printf("(set-state) - error expiring job: %v\n", err)
				}
			})
		})

		states := []string{"Enqueued", "Processing", "Succeeded"}

		b.SetParallelism(benchNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				state := storage.StateSnapshot{Name: states[counter%len(states)]}
				if err := store.SetJobState(getKey(counter), state); err != nil {
					log.Printf("(set-state) - error setting state: %v\n", err)
				}
				counter++
			}
		})
	})

	results["set-state"] = setStateResult
	printResult("set-state", setStateResult)

	// The fetch benchmark additionally records per-fetch latency so the
	// percentile spread is visible, not just the mean throughput.
	fetchTimer := gometrics.NewTimer()

	fetchResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("fetch") {
			return
		}

		queues := make([]string, benchNumQueues)
		for i := range queues {
			queues[i] = fmt.Sprintf("%s-q-%d", benchKeyPrefix, i)
		}

		b.SetParallelism(benchNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				// enqueue first so the fetch never blocks
				jobKey := nextKey("fetch")
				if err := store.CreateJob(jobKey, payload, nil, time.Minute); err != nil {
					log.Printf("(fetch) - error creating job: %v\n", err)
					continue
				}
				if err := store.EnqueueJob(queues[counter%benchNumQueues], jobKey); err != nil {
					log.Printf("(fetch) - error enqueueing job: %v\n", err)
					continue
				}

				start := time.Now()
				_, _, err := store.FetchNextJob(context.Background(), queues)
				fetchTimer.UpdateSince(start)
				if err != nil {
					log.Printf("(fetch) - error fetching job: %v\n", err)
				}
				counter++
			}
		})
	})

	results["fetch"] = fetchResult
	printResult("fetch", fetchResult)

	counterResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("counter") {
			return
		}

		getKey, _ := getKeys("counter")

		b.SetParallelism(benchNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				if _, err := store.IncrementCounter(getKey(counter), 1, 0); err != nil {
					log.Printf("(counter) - error incrementing counter: %v\n", err)
				}
				counter++
			}
		})
	})

	results["counter"] = counterResult
	printResult("counter", counterResult)

	lockResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("lock") {
			return
		}

		getKey, _ := getKeys("lock")

		b.SetParallelism(benchNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			owner := fmt.Sprintf("%s-owner-%d", benchKeyPrefix, benchSeq.Add(1))
			counter := 0
			for pb.Next() {
				handle, err := store.AcquireLock(owner, getKey(counter), 10*time.Second)
				if err != nil {
					log.Printf("(lock) - error acquiring lock: %v\n", err)
					continue
				}
				if err := handle.Release(); err != nil {
					log.Printf("(lock) - error releasing lock: %v\n", err)
				}
				counter++
			}
		})
	})

	results["lock"] = lockResult
	printResult("lock", lockResult)

	mixedResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("mixed") {
			return
		}

		// prepare jobs
		getKey, iter := getKeys("mixed")
		iter(func(k string) {
			if err := store.CreateJob(k, payload, nil, 0); err != nil {
				log.Printf("(mixed) - error creating job: %v\n", err)
			}
		})

		// cleanup
		b.Cleanup(func() {
			iter(func(k string) {
				if err := store.ExpireJob(k, time.Nanosecond); err != nil {
					log.Printf("(mixed) - error expiring job: %v\n", err)
				}
			})
		})

		b.SetParallelism(benchNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				key := getKey(counter)
				var err error
				switch counter % 4 {
				case 0: // read
					_, _, err = store.GetJobData(key)
				case 1: // parameter write
					err = store.SetJobParameter(key, "attempt", strconv.Itoa(counter))
				case 2: // state write
					err = store.SetJobState(key, storage.StateSnapshot{Name: "Processing"})
				case 3: // counter
					_, err = store.IncrementCounter(key, 1, 0)
				}

				if err != nil {
					log.Printf("(mixed) - error performing operation (%d): %v\n", counter%4, err)
				}
				counter++
			}
		})
	})

	results["mixed"] = mixedResult
	printResult("mixed", mixedResult)

	// Print fetch latency percentiles
	if fetchTimer.Count() > 0 {
		ps := fetchTimer.Percentiles([]float64{0.5, 0.9, 0.99})
		fmt.Println()
		fmt.Printf("fetch latency: p50=%s p90=%s p99=%s max=%s\n",
			time.Duration(ps[0]), time.Duration(ps[1]), time.Duration(ps[2]),
			time.Duration(fetchTimer.Max()))
	}

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range benchSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// nextKey creates a key that is unique for the lifetime of the process
func nextKey(prefix string) string {
	return fmt.Sprintf("%s-%s-%d", benchKeyPrefix, prefix, benchSeq.Add(1))
}

// creates an array of test keys and functions to work with them
func getKeys(prefix string) (func(int) string, func(func(string))) {
	keys := make([]string, benchKeySpread)
	for i := 0; i < benchKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", benchKeyPrefix, prefix, i)
	}

	// Function to get a key by index (with wraparound)
	getKey := func(i int) string {
		return keys[i%benchKeySpread]
	}

	// Function to iterate over all keys and apply a function to each
	iterateKeys := func(fn func(string)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Threads", "Keys", "Queues", "PayloadSizeKB",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
			nsPerOp = 0
			opsPerSec = 0
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strconv.Itoa(benchNumThreads),
			strconv.Itoa(benchKeySpread),
			strconv.Itoa(benchNumQueues),
			strconv.Itoa(benchPayloadSizeKB),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
