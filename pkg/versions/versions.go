package versions

import (
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strings"
)

const (
	cat = `[\w+][\w+.-]*`
	pkg = `[\w+][\w+-]*?`
	v   = `(\d+)((\.\d+)*)([a-z]?)((_(pre|p|beta|alpha|rc)\d*)*)`
	rev = `\d+`
	vr  = v + `(-r(` + rev + `))?`
	pv  = `(?P<pn>` + pkg + `(?P<pn_inval>-` + vr + `)?)` + `-(?P<ver>` + v + `)(-r(?P<rev>` + rev + `))?`
)

var (
	verRegexp    = regexp.MustCompile(`^` + vr + `$`)
	suffixRegexp = regexp.MustCompile(`^(alpha|beta|rc|pre|p)(\d*)$`)
	pvRegexp     = regexp.MustCompile(`^` + pv + `$`)
	catRegexp    = regexp.MustCompile(`^` + cat + `$`)

	suffixValue = map[string]int{"pre": -2, "p": 0, "alpha": -4, "beta": -3, "rc": -1}

	missingCat = "null"
	minusOne   = big.NewInt(-1)
)

// VerVerify reports whether myver is a syntactically valid version.
func VerVerify(myver string) bool {
	return verRegexp.MatchString(myver)
}

func parseInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

func cmpInt(a, b int) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}

// VerCmp compares two versions, returning a positive number if ver1 is
// greater, a negative number if ver2 is greater and 0 if they are equal.
func VerCmp(ver1, ver2 string) (int, error) {
	if ver1 == ver2 {
		return 0, nil
	}
	match1 := verRegexp.FindStringSubmatch(ver1)
	if match1 == nil {
		return 0, fmt.Errorf("!!! syntax error in version: %s", ver1)
	}
	match2 := verRegexp.FindStringSubmatch(ver2)
	if match2 == nil {
		return 0, fmt.Errorf("!!! syntax error in version: %s", ver2)
	}

	list1 := []*big.Int{parseInt(match1[1])}
	list2 := []*big.Int{parseInt(match2[1])}

	if match1[2] != "" || match2[2] != "" {
		vlist1 := strings.Split(strings.TrimPrefix(match1[2], "."), ".")
		vlist2 := strings.Split(strings.TrimPrefix(match2[2], "."), ".")
		n := len(vlist1)
		if len(vlist2) > n {
			n = len(vlist2)
		}
		for i := 0; i < n; i++ {
			switch {
			case len(vlist1) <= i || vlist1[i] == "":
				list1 = append(list1, minusOne)
				list2 = append(list2, parseInt(vlist2[i]))
			case len(vlist2) <= i || vlist2[i] == "":
				list1 = append(list1, parseInt(vlist1[i]))
				list2 = append(list2, minusOne)
			case vlist1[i][0] != '0' && vlist2[i][0] != '0':
				list1 = append(list1, parseInt(vlist1[i]))
				list2 = append(list2, parseInt(vlist2[i]))
			default:
				// leading zeros compare as fractions
				maxLen := len(vlist1[i])
				if len(vlist2[i]) > maxLen {
					maxLen = len(vlist2[i])
				}
				list1 = append(list1, parseInt(vlist1[i]+strings.Repeat("0", maxLen-len(vlist1[i]))))
				list2 = append(list2, parseInt(vlist2[i]+strings.Repeat("0", maxLen-len(vlist2[i]))))
			}
		}
	}

	if match1[4] != "" {
		list1 = append(list1, big.NewInt(int64(match1[4][0])))
	}
	if match2[4] != "" {
		list2 = append(list2, big.NewInt(int64(match2[4][0])))
	}

	for i := 0; i < len(list1) || i < len(list2); i++ {
		if len(list1) <= i {
			return -1, nil
		} else if len(list2) <= i {
			return 1, nil
		} else if c := list1[i].Cmp(list2[i]); c != 0 {
			return c, nil
		}
	}

	slist1 := strings.Split(match1[5], "_")[1:]
	slist2 := strings.Split(match2[5], "_")[1:]
	for i := 0; i < len(slist1) || i < len(slist2); i++ {
		s1 := []string{"", "p", "-1"}
		if i < len(slist1) {
			s1 = suffixRegexp.FindStringSubmatch(slist1[i])
		}
		s2 := []string{"", "p", "-1"}
		if i < len(slist2) {
			s2 = suffixRegexp.FindStringSubmatch(slist2[i])
		}
		if s1[1] != s2[1] {
			return cmpInt(suffixValue[s1[1]], suffixValue[s2[1]]), nil
		}
		if s1[2] != s2[2] {
			r1, r2 := suffixNumber(s1[2]), suffixNumber(s2[2])
			if c := r1.Cmp(r2); c != 0 {
				return c, nil
			}
		}
	}

	r1, r2 := new(big.Int), new(big.Int)
	if match1[9] != "" {
		r1 = parseInt(match1[9])
	}
	if match2[9] != "" {
		r2 = parseInt(match2[9])
	}
	return r1.Cmp(r2), nil
}

func suffixNumber(s string) *big.Int {
	if s == "-1" {
		return minusOne
	}
	if s == "" {
		return new(big.Int)
	}
	return parseInt(s)
}

// PkgSplit_ splits "pkg-1.0-r1" into {"pkg", "1.0", "r1"}. The zero value is
// returned for invalid input.
func PkgSplit_(mypkg string) [3]string {
	m := pvRegexp.FindStringSubmatch(mypkg)
	if m == nil {
		return [3]string{}
	}
	names := pvRegexp.SubexpNames()
	group := func(name string) string {
		for i, n := range names {
			if n == name {
				return m[i]
			}
		}
		return ""
	}
	if group("pn_inval") != "" {
		return [3]string{}
	}
	r := group("rev")
	if r == "" {
		r = "0"
	}
	return [3]string{group("pn"), group("ver"), "r" + r}
}

// CatPkgSplit splits "cat/pkg-1.0-r1" into {"cat", "pkg", "1.0", "r1"}. A
// missing category is reported as "null".
func CatPkgSplit(mydata string) [4]string {
	mySplit := strings.SplitN(mydata, "/", 2)
	var c string
	var p [3]string
	if len(mySplit) == 1 {
		c = missingCat
		p = PkgSplit_(mydata)
	} else {
		c = mySplit[0]
		if catRegexp.MatchString(c) {
			p = PkgSplit_(mySplit[1])
		}
	}
	if p == [3]string{} {
		return [4]string{}
	}
	return [4]string{c, p[0], p[1], p[2]}
}

// PkgSplit splits "cat/pkg-1.0-r1" into {"cat/pkg", "1.0", "r1"}.
func PkgSplit(mypkg string) [3]string {
	s := CatPkgSplit(mypkg)
	if s == [4]string{} {
		return [3]string{}
	}
	if s[0] == missingCat && !strings.Contains(mypkg, "/") {
		return [3]string{s[1], s[2], s[3]}
	}
	return [3]string{s[0] + "/" + s[1], s[2], s[3]}
}

// CpvGetKey returns the category/package part of a cpv.
func CpvGetKey(mycpv string) string {
	s := CatPkgSplit(mycpv)
	if s == [4]string{} {
		return ""
	}
	return s[0] + "/" + s[1]
}

// CpvGetVersion returns the version (with a non-zero revision) of a cpv.
func CpvGetVersion(mycpv string) string {
	cp := CpvGetKey(mycpv)
	if cp == "" {
		return ""
	}
	return mycpv[len(cp)+1:]
}

func CatSplit(mydep string) []string {
	return strings.SplitN(mydep, "/", 2)
}

// CpvCmp orders two cpvs of the same package by version. Invalid versions
// compare equal so that sorting never fails.
func CpvCmp(cpv1, cpv2 string) int {
	c, err := VerCmp(CpvGetVersion(cpv1), CpvGetVersion(cpv2))
	if err != nil {
		return 0
	}
	return c
}

// SortCpvs sorts cpvs in ascending version order, stable for equal versions.
func SortCpvs(cpvs []string) {
	sort.SliceStable(cpvs, func(i, j int) bool {
		return CpvCmp(cpvs[i], cpvs[j]) < 0
	})
}

// Best returns the highest version among myMatches; the first one wins ties.
func Best(myMatches []string) string {
	if len(myMatches) == 0 {
		return ""
	}
	bestMatch := myMatches[0]
	for _, x := range myMatches[1:] {
		if CpvCmp(x, bestMatch) > 0 {
			bestMatch = x
		}
	}
	return bestMatch
}
