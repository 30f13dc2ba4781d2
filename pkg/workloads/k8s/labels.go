package k8s

import (
	"slices"
	"strings"
)

// k8s Label SelectorElement like EqualityBased
type SelectorElement interface {
	// convert to querystring expression for label
	QueryString(label string) string
}

type LabelSelector map[string]SelectorElement

// convert to string value in form of query string.
//
// Labels are sorted by their keys.
func (ls LabelSelector) QueryString() string {
	keys := make([]string, 0, len(ls))
	for k := range ls {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	exprs := make([]string, len(keys))
	for i, k := range keys {
		exprs[i] = ls[k].QueryString(k)
	}
	return strings.Join(exprs, ",")
}

// see: https://kubernetes.io/docs/concepts/overview/working-with-objects/labels/#equality-based-requirement
type EqualityBased struct {
	Not   bool
	Value string
}

var _ SelectorElement = EqualityBased{}

func Eq(value string) EqualityBased {
	return EqualityBased{Value: value}
}

func NotEq(value string) EqualityBased {
	return EqualityBased{Not: true, Value: value}
}

func (eqb EqualityBased) QueryString(label string) string {
	if eqb.Not {
		return label + "!=" + eqb.Value
	}
	return label + "=" + eqb.Value
}

func LabelsToSelector(ls map[string]string) LabelSelector {
	new := LabelSelector{}
	for k, v := range ls {
		new[k] = Eq(v)
	}
	return new
}
