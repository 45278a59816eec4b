package pipeline

// ParseLatestState - derive the sync watermark from the latest-change artifact
type ParseLatestState struct{}

func (s *ParseLatestState) Name() string { return "parse_latest" }
func (s *ParseLatestState) ToLoadRaw() *LoadRawState {
	return &LoadRawState{}
}
func (s *ParseLatestState) ToRolledBack() *RolledBackState {
	return &RolledBackState{}
}

// LoadRawState - replace the raw staging rows for the watermark
type LoadRawState struct{}

func (s *LoadRawState) Name() string { return "load_raw" }
func (s *LoadRawState) ToTransferIntegration() *TransferIntegrationState {
	return &TransferIntegrationState{}
}
func (s *LoadRawState) ToRolledBack() *RolledBackState {
	return &RolledBackState{}
}

// TransferIntegrationState - copy staged rows into the integration table
type TransferIntegrationState struct{}

func (s *TransferIntegrationState) Name() string { return "transfer_integration" }
func (s *TransferIntegrationState) ToLoadMetadata() *LoadMetadataState {
	return &LoadMetadataState{}
}
func (s *TransferIntegrationState) ToRolledBack() *RolledBackState {
	return &RolledBackState{}
}

// LoadMetadataState - replace the metadata dictionary rows
type LoadMetadataState struct{}

func (s *LoadMetadataState) Name() string { return "load_metadata" }
func (s *LoadMetadataState) ToUpdateSourceState() *UpdateSourceStateState {
	return &UpdateSourceStateState{}
}
func (s *LoadMetadataState) ToRolledBack() *RolledBackState {
	return &RolledBackState{}
}

// UpdateSourceStateState - write back the table's watermark fields
type UpdateSourceStateState struct{}

func (s *UpdateSourceStateState) Name() string { return "update_source_state" }
func (s *UpdateSourceStateState) ToUpdateManagementRecord() *UpdateManagementRecordState {
	return &UpdateManagementRecordState{}
}
func (s *UpdateSourceStateState) ToRolledBack() *RolledBackState {
	return &RolledBackState{}
}

// UpdateManagementRecordState - stamp the registry entry's sync time. The
// pipeline stays here until the transaction resolves.
type UpdateManagementRecordState struct{}

func (s *UpdateManagementRecordState) Name() string { return "update_management_record" }
func (s *UpdateManagementRecordState) ToCommitted() *CommittedState {
	return &CommittedState{}
}
func (s *UpdateManagementRecordState) ToRolledBack() *RolledBackState {
	return &RolledBackState{}
}

// CommittedState - terminal, every stage is durable
type CommittedState struct{}

func (s *CommittedState) Name() string { return "committed" }

// RolledBackState - terminal, nothing from this run is visible
type RolledBackState struct{}

func (s *RolledBackState) Name() string { return "rolled_back" }
