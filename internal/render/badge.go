package render

import (
	"strings"

	"github.com/budgetdash/cpflow/internal/prevision"
	"github.com/charmbracelet/lipgloss"
)

// BadgeOpt configures optional rendering behavior for StatusBadge.
type BadgeOpt func(*badgeOptions)

type badgeOptions struct {
	showIcon bool
	bold     bool
}

type badgeVariant struct {
	icon  string
	color lipgloss.TerminalColor
}

var statusBadgeVariants = map[prevision.Status]badgeVariant{
	prevision.StatusPrevu:                 {icon: IconPlanned, color: SlateColor},
	prevision.StatusDemande:               {icon: IconRequested, color: SkyColor},
	prevision.StatusPartiellementMobilise: {icon: IconPartial, color: AmberColor},
	prevision.StatusMobilise:              {icon: IconMobilized, color: LeafColor},
	prevision.StatusEnRetard:              {icon: IconLate, color: AlertColor},
}

// WithBadgeIcon controls whether the icon is shown (default: true).
func WithBadgeIcon(show bool) BadgeOpt {
	return func(options *badgeOptions) {
		options.showIcon = show
	}
}

// WithBadgeBold controls whether the badge text is bold (default: false).
func WithBadgeBold(bold bool) BadgeOpt {
	return func(options *badgeOptions) {
		options.bold = bold
	}
}

// StatusBadge renders `icon statut` colored by lifecycle stage. Unknown
// statuses keep their raw text behind a neutral "?" icon.
func StatusBadge(status prevision.Status, opts ...BadgeOpt) string {
	options := badgeOptions{showIcon: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	label := strings.TrimSpace(string(status))
	variant, ok := statusBadgeVariants[status]
	if !ok {
		variant = badgeVariant{icon: "?", color: SlateColor}
		if label == "" {
			label = "inconnu"
		}
	}

	content := label
	if options.showIcon {
		content = variant.icon + " " + label
	}
	return lipgloss.NewStyle().
		Foreground(variant.color).
		Bold(options.bold).
		Render(content)
}
