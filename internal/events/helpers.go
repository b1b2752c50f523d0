package events

import (
	"encoding/json"
	"fmt"
)

// SetPhaseTransitionData sets the Data field with PhaseTransitionData in a type-safe way.
func (e *AuditEvent) SetPhaseTransitionData(data PhaseTransitionData) error {
	return e.setData("PhaseTransitionData", data)
}

// GetPhaseTransitionData retrieves PhaseTransitionData from the Data field.
func (e *AuditEvent) GetPhaseTransitionData() (*PhaseTransitionData, error) {
	var data PhaseTransitionData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse PhaseTransitionData: %w", err)
	}
	return &data, nil
}

// SetDecisionData sets the Data field with DecisionData in a type-safe way.
func (e *AuditEvent) SetDecisionData(data DecisionData) error {
	return e.setData("DecisionData", data)
}

// GetDecisionData retrieves DecisionData from the Data field.
func (e *AuditEvent) GetDecisionData() (*DecisionData, error) {
	var data DecisionData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse DecisionData: %w", err)
	}
	return &data, nil
}

// SetReviewData sets the Data field with ReviewData in a type-safe way.
func (e *AuditEvent) SetReviewData(data ReviewData) error {
	return e.setData("ReviewData", data)
}

// GetReviewData retrieves ReviewData from the Data field.
func (e *AuditEvent) GetReviewData() (*ReviewData, error) {
	var data ReviewData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse ReviewData: %w", err)
	}
	return &data, nil
}

// SetDisagreementData sets the Data field with DisagreementData in a type-safe way.
func (e *AuditEvent) SetDisagreementData(data DisagreementData) error {
	return e.setData("DisagreementData", data)
}

// GetDisagreementData retrieves DisagreementData from the Data field.
func (e *AuditEvent) GetDisagreementData() (*DisagreementData, error) {
	var data DisagreementData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse DisagreementData: %w", err)
	}
	return &data, nil
}

// SetErrorData sets the Data field with ErrorData in a type-safe way.
func (e *AuditEvent) SetErrorData(data ErrorData) error {
	return e.setData("ErrorData", data)
}

// GetErrorData retrieves ErrorData from the Data field.
func (e *AuditEvent) GetErrorData() (*ErrorData, error) {
	var data ErrorData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse ErrorData: %w", err)
	}
	return &data, nil
}

func (e *AuditEvent) setData(name string, data interface{}) error {
	dataMap, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert %s: %w", name, err)
	}
	e.Data = dataMap
	return nil
}

// structToMap converts a struct to a map[string]interface{} using JSON marshaling.
func structToMap(data interface{}) (map[string]interface{}, error) {
	bytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(bytes, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// mapToStruct converts a map[string]interface{} to a struct using JSON unmarshaling.
func mapToStruct(dataMap map[string]interface{}, target interface{}) error {
	bytes, err := json.Marshal(dataMap)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, target)
}
