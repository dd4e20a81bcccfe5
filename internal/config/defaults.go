package config

import "runtime"

const (
	defaultStateDir              = "~/.local/share/doseaccum"
	defaultLogDir                = "~/.local/share/doseaccum/logs"
	defaultPlanningDir           = "PLAN"
	defaultScanFile              = "scan.nii.gz"
	defaultDoseFile              = "dose.nii.gz"
	defaultStructFile            = "struct.nii.gz"
	defaultRegistrationBinary    = "antsRegistrationSyN.sh"
	defaultApplyTransformsBinary = "antsApplyTransforms"
	defaultJacobianBinary        = "CreateJacobianDeterminantImage"
	defaultThreshold             = 0.5
	defaultMIBins                = 256
	defaultNtfyTimeoutSeconds    = 10
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Cohort: Cohort{
			PlanningDir: defaultPlanningDir,
		},
		Convert: Convert{
			ScanFile:   defaultScanFile,
			DoseFile:   defaultDoseFile,
			StructFile: defaultStructFile,
		},
		ANTs: ANTs{
			RegistrationBinary:    defaultRegistrationBinary,
			ApplyTransformsBinary: defaultApplyTransformsBinary,
			JacobianBinary:        defaultJacobianBinary,
		},
		Metrics: Metrics{
			Threshold: defaultThreshold,
			MIBins:    defaultMIBins,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNtfyTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

func hardwareParallelism() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}
