package types

// Operator is one symbol of the closed operator vocabulary.
type Operator string

// Query operators.
const (
	OpEq       Operator = "$eq"
	OpNe       Operator = "$ne"
	OpGt       Operator = "$gt"
	OpGte      Operator = "$gte"
	OpLt       Operator = "$lt"
	OpLte      Operator = "$lte"
	OpIn       Operator = "$in"
	OpNin      Operator = "$nin"
	OpContains Operator = "$contains"
	OpRegex    Operator = "$regex"
	OpExists   Operator = "$exists"
)

// Update operators.
const (
	OpSet  Operator = "$set"
	OpInc  Operator = "$inc"
	OpPush Operator = "$push"
	OpAdd  Operator = "$add"
)

// QueryOperators lists the query vocabulary in canonical order. Translators
// emit clauses for the operators of one field in this order.
var QueryOperators = []Operator{
	OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin, OpContains, OpRegex, OpExists,
}

// UpdateOperators lists the update vocabulary in canonical order.
var UpdateOperators = []Operator{OpSet, OpInc, OpPush, OpAdd}

// IsQueryOperator reports whether op belongs to the query vocabulary.
func IsQueryOperator(op Operator) bool {
	return indexOf(QueryOperators, op) >= 0
}

// IsUpdateOperator reports whether op belongs to the update vocabulary.
func IsUpdateOperator(op Operator) bool {
	return indexOf(UpdateOperators, op) >= 0
}

// Rank returns the position of op in its vocabulary, or -1.
func (op Operator) Rank() int {
	if i := indexOf(QueryOperators, op); i >= 0 {
		return i
	}
	return indexOf(UpdateOperators, op)
}

func indexOf(ops []Operator, op Operator) int {
	for i, o := range ops {
		if o == op {
			return i
		}
	}
	return -1
}
