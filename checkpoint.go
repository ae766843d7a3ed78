package main

import (
	"fmt"
	"os"

	"github.com/bytedance/sonic"
)

// Checkpoint is the on-disk form of a trained model: encoder config,
// vocabulary and all parameter tensors, as JSON.
type Checkpoint struct {
	Encoder *EncoderConfig         `json:"encoder"`
	Vocab   *Vocabulary            `json:"vocab"`
	Params  map[string]*TensorData `json:"params"`
}

// TensorData is the serialized form of one parameter tensor.
type TensorData struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// stateDict names the model's parameter tensors for serialization.
func (m *ContrastiveEncoder) stateDict() map[string]*Tensor {
	state := map[string]*Tensor{
		"token_embeddings":    m.tokenEmb,
		"position_embeddings": m.posEmb,
	}
	if m.mlmHead != nil {
		state["mlm_head"] = m.mlmHead
	}
	if m.projW1 != nil {
		state["projection_w1"] = m.projW1
		state["projection_b1"] = m.projB1
		state["projection_w2"] = m.projW2
		state["projection_b2"] = m.projB2
	}
	return state
}

// SaveCheckpoint writes the model and its vocabulary to path.
func SaveCheckpoint(path string, model *ContrastiveEncoder, vocab *Vocabulary) error {
	ckpt := Checkpoint{
		Encoder: model.Config(),
		Vocab:   vocab,
		Params:  make(map[string]*TensorData),
	}
	for name, t := range model.stateDict() {
		ckpt.Params[name] = &TensorData{Shape: t.Shape(), Data: append([]float64(nil), t.data...)}
	}

	data, err := sonic.Marshal(&ckpt)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	return nil
}

// LoadCheckpoint restores a model and vocabulary written by SaveCheckpoint.
// The restored model carries a default NT-Xent loss so it satisfies the
// construction contract; for evaluation-only use the loss is never invoked.
func LoadCheckpoint(path string) (*ContrastiveEncoder, *Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	var ckpt Checkpoint
	if err := sonic.Unmarshal(data, &ckpt); err != nil {
		return nil, nil, fmt.Errorf("checkpoint: unmarshal %s: %w", path, err)
	}
	if ckpt.Encoder == nil || ckpt.Vocab == nil {
		return nil, nil, fmt.Errorf("checkpoint: %s is missing encoder config or vocabulary", path)
	}

	model, err := NewContrastiveEncoder(ckpt.Encoder, NewNTXentLoss(), nil, nil, 0)
	if err != nil {
		return nil, nil, err
	}

	for name, t := range model.stateDict() {
		saved, ok := ckpt.Params[name]
		if !ok {
			return nil, nil, fmt.Errorf("checkpoint: %s is missing parameter %q", path, name)
		}
		if len(saved.Data) != t.Size() {
			return nil, nil, fmt.Errorf("checkpoint: parameter %q has %d values, expected %d",
				name, len(saved.Data), t.Size())
		}
		copy(t.data, saved.Data)
	}

	return model, ckpt.Vocab, nil
}
