package cmd

import (
	"context"
	"fmt"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eventmill/eventmill/internal/config"
	"github.com/eventmill/eventmill/internal/observability"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  eventmill doctor                # Full environment check
  eventmill doctor --provider s3  # Add S3 source credential checks`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

func runDoctor(cmd *cobra.Command, args []string) {
	observability.CLILogger.Info("=== eventmill doctor ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 7

	// Add S3 checks if provider specified
	if doctorProvider == "s3" {
		totalChecks = 9
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.25" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.25+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Manifest validator
	version := crucible.GetVersion()
	if version.Gofulmen != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking manifest validator... ✅ gofulmen v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking manifest validator... ❌ Cannot access gofulmen schema support", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 3: Configuration
	cfg := config.GetConfig()
	if cfg != nil {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ log level %s", checkNum, totalChecks, cfg.Logging.Level),
			zap.String("log_level", cfg.Logging.Level),
			zap.String("log_profile", cfg.Logging.Profile))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ Configuration not loaded", checkNum, totalChecks))
		allChecks = false
		// Later checks read cfg fields.
		cfg = &config.Config{}
	}
	checkNum++

	// Check 4: Job store
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking job store... ❌ Cannot open store", checkNum, totalChecks),
			zap.Error(err))
		allChecks = false
	} else if err := store.Ping(cmd.Context()); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking job store... ❌ Store not responding", checkNum, totalChecks),
			zap.Error(err))
		allChecks = false
		_ = store.Close()
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking job store... ✅ %s", checkNum, totalChecks, storeLocation(cfg)),
			zap.String("store", storeLocation(cfg)))
		_ = store.Close()
	}
	checkNum++

	// Check 5: Capture settings
	switch {
	case cfg.Capture.Endpoint == "":
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking capture settings... ⚠️  endpoint not set (capture sinks will fail)", checkNum, totalChecks))
		allChecks = false
	case cfg.Capture.APIKey == "":
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking capture settings... ⚠️  %s (api key not set)", checkNum, totalChecks, cfg.Capture.Endpoint),
			zap.String("capture_endpoint", cfg.Capture.Endpoint))
		allChecks = false
	default:
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking capture settings... ✅ %s (api key %s)", checkNum, totalChecks, cfg.Capture.Endpoint, maskKey(cfg.Capture.APIKey)),
			zap.String("capture_endpoint", cfg.Capture.Endpoint))
	}
	checkNum++

	// Check 6: Kafka settings
	if len(cfg.Kafka.Brokers) > 0 {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking kafka settings... ✅ %d broker(s), client id %s", checkNum, totalChecks, len(cfg.Kafka.Brokers), cfg.Kafka.ClientID),
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("client_id", cfg.Kafka.ClientID))
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking kafka settings... ✅ not configured (capture only)", checkNum, totalChecks))
	}
	checkNum++

	// Check 7: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	// S3-specific checks
	if doctorProvider == "s3" {
		allChecks = runS3Checks(cmd.Context(), checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info("✅ All checks passed! Your eventmill installation is healthy.")
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// runS3Checks runs S3 source diagnostic checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Source Checks:")

	// Check 8: AWS credentials
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	// Mask the access key for display
	maskedKey := maskKey(creds.AccessKeyID)
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskedKey),
		zap.String("source", creds.Source))
	checkNum++

	// Check 9: Credential source info
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))

	return allChecks
}

// maskKey masks all but the last 4 characters of a key or token.
func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - AWS_ENDPOINT_URL or the source endpoint in the job manifest")
	observability.CLILogger.Info("")
}
