package service

// Test-only aliases for package service_test.

type ExportedRunningGuard = runningGuard
