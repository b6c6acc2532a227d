package service

import (
	"go.uber.org/zap"

	"usage-integrity-service/internal/audit"
	"usage-integrity-service/internal/enforcement"
	"usage-integrity-service/internal/gate"
	"usage-integrity-service/internal/scoring"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	ledger           enforcement.SessionLedger
	scorer           *scoring.Scorer
	enforcer         *enforcement.Enforcer
	generationGate   *gate.Gate
	auditRecorder    *audit.Recorder
	logger           *zap.Logger
	integrityService *IntegrityService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	ledger enforcement.SessionLedger,
	scorer *scoring.Scorer,
	enforcer *enforcement.Enforcer,
	generationGate *gate.Gate,
	auditRecorder *audit.Recorder,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		ledger:         ledger,
		scorer:         scorer,
		enforcer:       enforcer,
		generationGate: generationGate,
		auditRecorder:  auditRecorder,
		logger:         logger,
	}
}

// IntegrityService returns the integrity service instance (singleton)
func (f *ServiceFactory) IntegrityService() *IntegrityService {
	if f.integrityService == nil {
		f.integrityService = NewIntegrityService(
			f.ledger,
			f.scorer,
			f.enforcer,
			f.generationGate,
			f.auditRecorder,
			f.logger,
		)
	}
	return f.integrityService
}
