package i18n

// messagesPtBR holds the pt-BR user-facing error messages.
var messagesPtBR = map[string]string{
	"UNKNOWN": "Algo deu errado. Tente novamente.",

	"INVALID_STATE_TRANSITION":  "Esta operação não é permitida enquanto a tarefa está {{.from}}.",
	"AMOUNT_MISMATCH":           "O valor do pagamento não confere: esperado {{.expected}}, recebido {{.received}}.",
	"ALREADY_PROCESSING":        "Já existe uma liquidação em andamento para esta tarefa. Tente novamente em instantes.",
	"RAIL_UNAVAILABLE":          "O provedor de pagamento está temporariamente indisponível. Tente mais tarde.",
	"RECONCILIATION_DIVERGENCE": "O estado da tarefa foi corrigido com base no registro público. O suporte foi notificado.",
	"AUTHENTICATION_FAILURE":    "Não foi possível verificar a assinatura da requisição.",

	"TASK_TITLE_EMPTY":        "O título da tarefa é obrigatório.",
	"TASK_REWARD_INVALID":     "A recompensa da tarefa deve ser maior que zero.",
	"TASK_REWARD_EXCEEDS_MAX": "A recompensa {{.reward}} excede o máximo de {{.max}}.",
	"TASK_EMPLOYER_EMPTY":     "A identidade do contratante é obrigatória.",
	"TASK_NOT_EMPLOYER":       "Apenas o contratante da tarefa pode executar esta operação.",
	"TASK_NOT_WORKER":         "Apenas o trabalhador designado pode executar esta operação.",
	"TASK_PROOF_INVALID":      "A referência de comprovação enviada é inválida.",

	"FUNDING_ACTIVE_EXISTS":      "A tarefa já possui um instrumento de custódia ativo.",
	"FUNDING_DUPLICATE_INBOUND":  "Um pagamento já foi registrado para este instrumento.",
	"FUNDING_INSTRUMENT_UNKNOWN": "Nenhum instrumento de custódia corresponde a esta referência.",

	"DISPUTE_QUORUM_UNREACHED":   "O painel de árbitros não alcançou maioria.",
	"DISPUTE_ARBITRATOR_UNKNOWN": "Você não é um árbitro designado para esta disputa.",
	"DISPUTE_ALREADY_RESOLVED":   "Esta disputa já foi resolvida.",

	"NOT_FOUND": "O registro solicitado não foi encontrado.",
}
