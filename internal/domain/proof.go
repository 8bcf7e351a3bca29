package domain

import (
	"fmt"
	"time"
)

// ProofDecision — вердикт политики, зафиксированный в proof.
type ProofDecision string

const (
	ProofPass ProofDecision = "PASS"
	ProofFail ProofDecision = "FAIL"
)

// AgentProof — неизменяемая запись, связывающая конкретную конфигурацию агента
// (spec_hash) с конкретным решением политики (policy_digest) подписью авторитета.
// Создается один раз при успешном промоушене. Никогда не обновляется.
// Governed-агент без актуального proof невалиден по определению.
type AgentProof struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`

	Decision     ProofDecision `json:"decision"`
	SpecHash     string        `json:"spec_hash"`   // Хэш ровно того объекта, что был оценен
	PolicyHash   string        `json:"policy_hash"` // policy_set_hash на момент оценки
	PolicyDigest string        `json:"policy_digest"`

	Authority string    `json:"authority"` // Идентификатор подписывающего авторитета
	Signature []byte    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

// SignedPayload — каноническое представление подписываемых полей.
// Формат фиксирован: менять его — значит инвалидировать все выпущенные подписи.
func (p *AgentProof) SignedPayload() []byte {
	return ProofPayload(p.SpecHash, p.PolicyDigest, p.SignedAt)
}

// ProofPayload собирает байты для подписи из (specHash, policyDigest, timestamp).
func ProofPayload(specHash, policyDigest string, signedAt time.Time) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s", specHash, policyDigest, signedAt.UTC().Format(time.RFC3339Nano)))
}
