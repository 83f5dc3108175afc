package cache

import (
	"fmt"
	"time"
)

// Prefix groups invalidated by write paths.
const (
	PrefixCategories = "categories"
	PrefixExams      = "exams"
	PrefixQuestions  = "questions"
	PrefixUsers      = "users"
)

func CategoriesKey(activeOnly bool) string {
	return fmt.Sprintf("categories:list:active=%t", activeOnly)
}

func ExamDetailKey(examID fmt.Stringer) string {
	return fmt.Sprintf("exams:detail:%s", examID)
}

func ExamsByCategoryKey(categoryID fmt.Stringer, page, size int) string {
	return fmt.Sprintf("exams:category:%s:page=%d:size=%d", categoryID, page, size)
}

func QuestionsByExamKey(examID fmt.Stringer) string {
	return fmt.Sprintf("questions:exam:%s", examID)
}

// UserPrefix scopes every per-user entry so one call drops them all.
func UserPrefix(userID string) string {
	return PrefixUsers + keySeparator + userID
}

func UserProfileKey(userID string) string {
	return UserPrefix(userID) + ":profile"
}

func UserHistoryKey(userID, examID, categoryID string, cursor *time.Time, cursorID string, size int) string {
	c := "start"
	if cursor != nil {
		c = fmt.Sprintf("%d", cursor.UnixNano())
		if cursorID != "" {
			c += "/" + cursorID
		}
	}
	return fmt.Sprintf("%s:exam-history:exam=%s:category=%s:cursor=%s:size=%d", UserPrefix(userID), examID, categoryID, c, size)
}

func UserAttemptKey(userID string, attemptID fmt.Stringer) string {
	return fmt.Sprintf("%s:exam-attempt:%s", UserPrefix(userID), attemptID)
}

func AdminExamsKey(page, size int, search, sortBy, direction, categoryID string) string {
	return fmt.Sprintf("exams:admin:page=%d:size=%d:search=%s:sort=%s:%s:category=%s", page, size, search, sortBy, direction, categoryID)
}

// ExamReportPrefix scopes the cached report of one exam.
func ExamReportPrefix(examID fmt.Stringer) string {
	return fmt.Sprintf("exams:reports:%s", examID)
}

func ExamReportKey(examID fmt.Stringer) string {
	return ExamReportPrefix(examID) + ":summary"
}

func DashboardStatsKey() string {
	return "exams:dashboard:stats"
}

func CategoryAnalyticsKey(page, size int, search string) string {
	return fmt.Sprintf("categories:analytics:page=%d:size=%d:search=%s", page, size, search)
}

// Deletion impact previews live under the prefix of the entity they describe
// so that the entity's own writes drop them.
func CategoryImpactKey(categoryID fmt.Stringer) string {
	return fmt.Sprintf("categories:impact:%s", categoryID)
}

func ExamImpactKey(examID fmt.Stringer) string {
	return fmt.Sprintf("exams:impact:%s", examID)
}

func QuestionImpactKey(questionID fmt.Stringer) string {
	return fmt.Sprintf("questions:impact:%s", questionID)
}
