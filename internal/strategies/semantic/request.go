package semantic

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type opKind int

const (
	opSearch opKind = iota
	opUpsert
	opDelete
	opCount
)

const (
	defaultK = 10
	maxK     = 1000
)

// request is a decoded semantic operation
type request struct {
	op        opKind
	id        string
	document  string
	embedding []float64
	k         int
	minScore  float64
}

func (r request) writes() bool {
	return r.op == opUpsert || r.op == opDelete
}

// parseRequest decides what query and params ask for. The leading verb
// selects the operation; without one the params decide.
func parseRequest(query string, params map[string]interface{}) (request, error) {
	req := request{k: defaultK}

	verb := strings.ToUpper(firstWord(query))
	_, hasID := params["id"]
	_, hasDocument := params["document"]
	_, hasEmbedding := params["embedding"]

	switch {
	case verb == "DELETE":
		req.op = opDelete
	case verb == "COUNT":
		req.op = opCount
		return req, nil
	case verb == "UPSERT" || verb == "INSERT" || (hasID && hasDocument && hasEmbedding):
		req.op = opUpsert
	case hasEmbedding:
		req.op = opSearch
	default:
		return req, errors.New("similarity search requires an embedding parameter")
	}

	if hasID {
		req.id = fmt.Sprint(params["id"])
	}
	if doc, ok := params["document"].(string); ok {
		req.document = doc
	}

	switch req.op {
	case opDelete:
		if req.id == "" {
			return req, errors.New("delete requires an id parameter")
		}
		return req, nil
	case opUpsert:
		if req.id == "" {
			return req, errors.New("upsert requires an id parameter")
		}
	}

	vec, err := parseEmbedding(params["embedding"])
	if err != nil {
		return req, err
	}
	req.embedding = vec

	if raw, ok := params["k"]; ok {
		k, err := toInt(raw)
		if err != nil || k <= 0 {
			return req, fmt.Errorf("k must be a positive integer, got %v", raw)
		}
		if k > maxK {
			k = maxK
		}
		req.k = k
	}
	if raw, ok := params["min_score"]; ok {
		score, err := toFloat(raw)
		if err != nil {
			return req, fmt.Errorf("min_score: %w", err)
		}
		req.minScore = score
	}
	return req, nil
}

func firstWord(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// parseEmbedding accepts a JSON-decoded list, a typed float slice, or the
// JSON text of a list
func parseEmbedding(raw interface{}) ([]float64, error) {
	var vec []float64
	switch v := raw.(type) {
	case nil:
		return nil, errors.New("embedding parameter is required")
	case []float64:
		vec = append(vec, v...)
	case []float32:
		vec = make([]float64, len(v))
		for i, f := range v {
			vec[i] = float64(f)
		}
	case []interface{}:
		vec = make([]float64, len(v))
		for i, item := range v {
			f, err := toFloat(item)
			if err != nil {
				return nil, fmt.Errorf("embedding[%d]: %w", i, err)
			}
			vec[i] = f
		}
	case string:
		if err := json.Unmarshal([]byte(v), &vec); err != nil {
			return nil, fmt.Errorf("embedding: %w", err)
		}
	default:
		return nil, fmt.Errorf("embedding has unsupported type %T", raw)
	}
	if len(vec) == 0 {
		return nil, errors.New("embedding must not be empty")
	}
	return vec, nil
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

func toInt(v interface{}) (int, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("not an integer: %v", v)
	}
	return int(f), nil
}
